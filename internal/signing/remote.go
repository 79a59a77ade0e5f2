package signing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"
	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultSignWindow   = 10 * time.Minute
)

// Request is what a remote wallet needs to sign: rendered as a QR code or a
// deep link by the Presenter.
type Request struct {
	SessionID string    `json:"session_id"`
	TxID      string    `json:"tx_id"`
	Payload   string    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Presenter shows a Request to the user.
type Presenter interface {
	Present(ctx context.Context, req Request) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, req Request) error

// Present 实现 Presenter。
func (f PresenterFunc) Present(ctx context.Context, req Request) error { return f(ctx, req) }

// RemoteOption customises a RemoteGateway.
type RemoteOption func(*RemoteGateway)

// WithClock sets the clock used for polling and the signing window.
func WithClock(c clock.Clock) RemoteOption {
	return func(g *RemoteGateway) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithPollInterval overrides how often the ledger is polled.
func WithPollInterval(d time.Duration) RemoteOption {
	return func(g *RemoteGateway) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithSignWindow overrides how long a session stays open.
func WithSignWindow(d time.Duration) RemoteOption {
	return func(g *RemoteGateway) {
		if d > 0 {
			g.window = d
		}
	}
}

// RemoteGateway hands the transaction to an external wallet and waits for it
// to be broadcast.
type RemoteGateway struct {
	ledger       ledger.Client
	presenter    Presenter
	clock        clock.Clock
	pollInterval time.Duration
	window       time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	sessions map[string]context.CancelCauseFunc
}

// NewRemoteGateway constructs a RemoteGateway.
func NewRemoteGateway(client ledger.Client, presenter Presenter, opts ...RemoteOption) *RemoteGateway {
	g := &RemoteGateway{
		ledger:       client,
		presenter:    presenter,
		clock:        clock.New(),
		pollInterval: DefaultPollInterval,
		window:       DefaultSignWindow,
		log:          logger.Named("signing.remote"),
		sessions:     make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Kind 实现 Gateway。
func (g *RemoteGateway) Kind() WalletKind { return KindRemote }

// Connect 实现 Gateway。远程钱包的地址由调用方声明。
func (g *RemoteGateway) Connect(ctx context.Context) (Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return Identity{}, xerrors.Wrap(CodeWalletUnavailable, ErrWalletUnavailable, "remote wallet address not provided")
	}
	return id, nil
}

// Sign 实现 Gateway。
func (g *RemoteGateway) Sign(ctx context.Context, tx *ledger.UnsignedTx) (Result, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode remote payload")
	}

	windowCtx, cancelWindow := g.clock.WithTimeout(ctx, g.window)
	defer cancelWindow()
	sessionCtx, cancelSession := context.WithCancelCause(windowCtx)
	defer cancelSession(nil)

	req := Request{
		SessionID: uuid.NewString(),
		TxID:      tx.ID,
		Payload:   base64.StdEncoding.EncodeToString(payload),
		ExpiresAt: g.clock.Now().Add(g.window),
	}
	g.track(req.SessionID, cancelSession)
	defer g.untrack(req.SessionID)

	ticker := g.clock.Ticker(g.pollInterval)
	defer ticker.Stop()

	if err := g.presenter.Present(sessionCtx, req); err != nil {
		return Result{}, g.sessionError(ctx, sessionCtx, xerrors.Wrap(CodeWalletUnavailable, err, "present signing request"))
	}
	g.log.Info("远程签名会话已开启", slog.String("session_id", req.SessionID), slog.String("tx_id", tx.ID))

	for {
		select {
		case <-sessionCtx.Done():
			return Result{}, g.sessionError(ctx, sessionCtx, nil)
		case <-ticker.C:
			observed, err := g.ledger.TxByID(sessionCtx, tx.ID)
			if err != nil {
				if !stdErrors.Is(err, ledger.ErrTxNotFound) && sessionCtx.Err() == nil {
					g.log.Warn("轮询交易失败", slog.String("session_id", req.SessionID), slog.Any("error", err))
				}
				continue
			}
			g.log.Info("远程签名交易已广播", slog.String("session_id", req.SessionID), slog.String("tx_id", observed.ID))
			return Result{TxID: observed.ID, Submitted: true, Observed: observed}, nil
		}
	}
}

// Cancel aborts the session; the pending Sign returns USER_CANCELLED.
func (g *RemoteGateway) Cancel(sessionID string) bool {
	g.mu.Lock()
	cancel, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if ok {
		cancel(ErrUserCancelled)
	}
	return ok
}

// Sessions returns the number of open signing sessions.
func (g *RemoteGateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *RemoteGateway) track(id string, cancel context.CancelCauseFunc) {
	g.mu.Lock()
	g.sessions[id] = cancel
	g.mu.Unlock()
}

func (g *RemoteGateway) untrack(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
}

// sessionError resolves why a session ended: the caller went away, the user
// cancelled, or the window elapsed.
func (g *RemoteGateway) sessionError(parent, session context.Context, fallback error) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if stdErrors.Is(context.Cause(session), ErrUserCancelled) {
		return ErrUserCancelled
	}
	if session.Err() != nil {
		return xerrors.Wrap(CodeConfirmationTimeout, ErrConfirmationTimeout, "")
	}
	return fallback
}

var _ Gateway = (*RemoteGateway)(nil)
