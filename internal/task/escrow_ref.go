package task

import (
	"fmt"

	xerrors "EgoMarket/internal/errors"
)

// ApplyEscrow 在内存中应用托管变化，并校验单向推进与引用不可改写。
func (t *Task) ApplyEscrow(change EscrowChange) error {
	if change.Status != "" && change.Status != t.EscrowStatus {
		if !t.EscrowStatus.CanAdvanceTo(change.Status) {
			return xerrors.New(CodeTaskConflict,
				fmt.Sprintf("escrow status cannot move from %s to %s", t.EscrowStatus, change.Status),
				xerrors.WithMetadata("task_id", t.ID))
		}
		t.EscrowStatus = change.Status
	}
	if change.Ref != "" {
		if t.EscrowRef != "" && t.EscrowRef != change.Ref {
			return xerrors.New(CodeTaskConflict,
				fmt.Sprintf("escrow reference already set to %s", t.EscrowRef),
				xerrors.WithMetadata("task_id", t.ID))
		}
		t.EscrowRef = change.Ref
	}
	if change.TxID != "" {
		t.EscrowTxID = change.TxID
	}
	return nil
}
