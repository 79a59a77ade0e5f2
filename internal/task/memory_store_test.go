package task

import (
	"context"
	"testing"

	xerrors "EgoMarket/internal/errors"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tasks := []*Task{
		{ID: "t1", Title: "Logo design", Creator: "alice", Budget: 10, Status: StatusOpen, CreatedAt: 100, UpdatedAt: 100},
		{ID: "t2", Title: "Translate docs", Creator: "alice", Agent: "bob", Budget: 20, Status: StatusInProgress, EscrowStatus: EscrowFunded, CreatedAt: 110, UpdatedAt: 130},
		{ID: "t3", Title: "Audit contract", Creator: "carol", Budget: 30, Status: StatusCompleted, ParentID: "t2", CreatedAt: 120, UpdatedAt: 160},
		{ID: "t4", Title: "Old logo", Creator: "alice", Budget: 5, Status: StatusCancelled, Archived: true, CreatedAt: 90, UpdatedAt: 95},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected archived task to be hidden, got %d tasks", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	byCreator, err := store.List(ctx, BuildListOptions(WithCreator("alice"), WithArchived()))
	if err != nil {
		t.Fatalf("list by creator: %v", err)
	}
	if len(byCreator) != 3 {
		t.Fatalf("expected 3 tasks for alice, got %d", len(byCreator))
	}

	logos, err := store.List(ctx, BuildListOptions(WithQuery("LOGO")))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(logos) != 1 || logos[0].ID != "t1" {
		t.Fatalf("unexpected query result: %+v", logos)
	}

	children, err := store.List(ctx, BuildListOptions(WithParent("t2")))
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 || children[0].ID != "t3" {
		t.Fatalf("unexpected children: %+v", children)
	}

	paged, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(1), WithOffset(1)))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "t2" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	stats, err := store.Stats(ctx, BuildListOptions())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.ByStatus[StatusInProgress] != 1 || stats.EscrowLocked != 20 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMemoryStoreApplyTransitionIsCompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "t1", Creator: "alice", Budget: 10}); err != nil {
		t.Fatalf("create: %v", err)
	}

	change := Change{
		Transition: Transition{From: StatusOpen, To: StatusFunded, Action: ActionFund, Actor: "alice"},
		Escrow:     &EscrowChange{Ref: "box-1", Status: EscrowFunded},
		At:         200,
	}
	updated, err := store.ApplyTransition(ctx, "t1", change)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Status != StatusFunded || updated.EscrowRef != "box-1" || updated.Version != 1 {
		t.Fatalf("unexpected task: %+v", updated)
	}

	if _, err := store.ApplyTransition(ctx, "t1", change); xerrors.CodeOf(err) != CodeTaskConflict {
		t.Fatalf("expected stale from-status to conflict, got %v", err)
	}

	if _, err := store.UpdateEscrowRef(ctx, "t1", EscrowChange{Status: EscrowUnfunded}, 300); xerrors.CodeOf(err) != CodeTaskConflict {
		t.Fatalf("expected escrow regression to conflict, got %v", err)
	}
	if _, err := store.UpdateEscrowRef(ctx, "t1", EscrowChange{Ref: "box-2"}, 300); xerrors.CodeOf(err) != CodeTaskConflict {
		t.Fatalf("expected escrow ref rewrite to conflict, got %v", err)
	}

	log, err := store.Transitions(ctx, "t1")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(log) != 1 || log[0].Seq != 1 || log[0].At != 200 {
		t.Fatalf("unexpected transition log: %+v", log)
	}
}
