package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"EgoMarket/internal/signing"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
)

// PendingSignature 是等待远程钱包签名的请求。
type PendingSignature struct {
	signing.Request
	Address string `json:"address"`
}

// SigningInbox 作为 RemoteGateway 的 Presenter，保存待签名请求，
// 钱包按地址轮询领取。
type SigningInbox struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]PendingSignature
}

// NewSigningInbox 构造空的待签名收件箱。
func NewSigningInbox(clk clock.Clock) *SigningInbox {
	if clk == nil {
		clk = clock.New()
	}
	return &SigningInbox{clock: clk, pending: make(map[string]PendingSignature)}
}

// Present 实现 signing.Presenter。会话结束时自动移除。
func (b *SigningInbox) Present(ctx context.Context, req signing.Request) error {
	id, _ := signing.IdentityFromContext(ctx)
	b.mu.Lock()
	b.pending[req.SessionID] = PendingSignature{Request: req, Address: id.Address}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.remove(req.SessionID)
	}()
	return nil
}

// Pending 返回 address 名下仍在有效期内的请求，address 为空时返回全部。
func (b *SigningInbox) Pending(address string) []PendingSignature {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingSignature, 0, len(b.pending))
	for id, p := range b.pending {
		if !p.ExpiresAt.After(now) {
			delete(b.pending, id)
			continue
		}
		if address != "" && !strings.EqualFold(p.Address, address) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Lookup 返回单个请求。
func (b *SigningInbox) Lookup(sessionID string) (PendingSignature, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[sessionID]
	return p, ok
}

func (b *SigningInbox) remove(sessionID string) {
	b.mu.Lock()
	delete(b.pending, sessionID)
	b.mu.Unlock()
}

var _ signing.Presenter = (*SigningInbox)(nil)

func (s *Server) handleListSigningRequests(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		writeJSON(w, http.StatusOK, map[string]any{"requests": []PendingSignature{}})
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.inbox.Pending(address)})
}

// handleCancelSigningRequest 由钱包或发起人拒绝签名，挂起的操作返回 USER_CANCELLED。
func (s *Server) handleCancelSigningRequest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if s.remote == nil || s.inbox == nil {
		http.NotFound(w, r)
		return
	}
	if _, ok := s.inbox.Lookup(sessionID); !ok || !s.remote.Cancel(sessionID) {
		http.NotFound(w, r)
		return
	}
	s.inbox.remove(sessionID)
	w.WriteHeader(http.StatusNoContent)
}
