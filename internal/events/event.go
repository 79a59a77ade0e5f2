// Package events carries the lifecycle and detector event stream: every task
// transition, escrow outcome, reputation change and detector decision is
// emitted here, appended to a hash-chained log and fanned out to in-process
// subscribers.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an event type.
type Kind string

const (
	KindTaskPosted           Kind = "task.posted"
	KindTaskTransition       Kind = "task.transition"
	KindTaskArchived         Kind = "task.archived"
	KindBidPlaced            Kind = "bid.placed"
	KindDeliverableSubmitted Kind = "deliverable.submitted"
	KindEscrowFunded         Kind = "escrow.funded"
	KindEscrowReleased       Kind = "escrow.released"
	KindEscrowRefunded       Kind = "escrow.refunded"
	KindEscrowUnresolved     Kind = "escrow.unresolved"
	KindEscrowReconciled     Kind = "escrow.reconciled"
	KindEgoRecorded          Kind = "ego.recorded"
	KindDetectorDecision     Kind = "detector.decision"
	KindAgentSuspended       Kind = "agent.suspended"
	KindMintScheduled        Kind = "mint.scheduled"
	KindMintFinished         Kind = "mint.finished"
)

// Event is a single entry of the append-only event log.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Subject    string         `json:"subject"`
	Actor      string         `json:"actor,omitempty"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurred_at"`
	Hash       string         `json:"hash"`
	PrevHash   string         `json:"prev_hash"`
}

// Log persists events with hash-chained integrity.
type Log interface {
	Append(ctx context.Context, e *Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	BySubject(ctx context.Context, subject string, limit int) ([]Event, error)
	Verify(ctx context.Context) error
}

// ComputeHash returns the chain hash of e given the previous link.
func ComputeHash(prevHash string, e *Event) (string, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	content, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}
	return hashParts(prevHash, e.ID, string(e.Kind), e.Subject, e.Actor, e.OccurredAt, content), nil
}

// HashEncoded returns the chain hash of e over already-encoded data. Stores
// that keep the original encoding use it to verify without re-marshalling.
func HashEncoded(prevHash string, e *Event, content []byte) string {
	return hashParts(prevHash, e.ID, string(e.Kind), e.Subject, e.Actor, e.OccurredAt, content)
}

func hashParts(prevHash, id, kind, subject, actor string, at time.Time, content []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|", prevHash, id, kind, subject, actor, at.UTC().Format(time.RFC3339Nano))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
