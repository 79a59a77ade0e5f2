package task

import (
	"testing"

	xerrors "EgoMarket/internal/errors"
)

func TestPlanTransitions(t *testing.T) {
	creator := Actor{ID: "alice"}
	agent := Actor{ID: "bob"}
	stranger := Actor{ID: "mallory"}
	mediator := Actor{ID: "mediator", Mediator: true}

	cases := []struct {
		name   string
		task   Task
		req    Request
		policy Policy
		want   Status
		code   xerrors.Code
	}{
		{name: "fund unassigned", task: Task{Status: StatusOpen}, req: Request{Action: ActionFund, Actor: creator}, want: StatusFunded},
		{name: "fund preassigned", task: Task{Status: StatusOpen, Agent: "bob"}, req: Request{Action: ActionFund, Actor: creator}, want: StatusInProgress},
		{name: "fund twice", task: Task{Status: StatusFunded}, req: Request{Action: ActionFund, Actor: creator}, code: CodeAlreadyInState},
		{name: "fund by stranger", task: Task{Status: StatusOpen}, req: Request{Action: ActionFund, Actor: stranger}, code: CodeUnauthorized},
		{name: "accept on open", task: Task{Status: StatusOpen}, req: Request{Action: ActionAcceptBid, Actor: creator}, want: StatusInProgress},
		{name: "accept on funded", task: Task{Status: StatusFunded}, req: Request{Action: ActionAcceptBid, Actor: creator}, want: StatusInProgress},
		{name: "re-accept after assignment", task: Task{Status: StatusInProgress, Agent: "bob"}, req: Request{Action: ActionAcceptBid, Actor: creator}, code: CodeInvalidTransition},
		{name: "submit by agent", task: Task{Status: StatusInProgress, Agent: "bob"}, req: Request{Action: ActionSubmit, Actor: agent}, want: StatusReview},
		{name: "submit by creator", task: Task{Status: StatusInProgress, Agent: "bob"}, req: Request{Action: ActionSubmit, Actor: creator}, code: CodeUnauthorized},
		{name: "submit from open", task: Task{Status: StatusOpen, Agent: "bob"}, req: Request{Action: ActionSubmit, Actor: agent}, code: CodeInvalidTransition},
		{name: "approve", task: Task{Status: StatusReview, Agent: "bob"}, req: Request{Action: ActionApprove, Actor: creator}, want: StatusCompleted},
		{name: "approve by agent", task: Task{Status: StatusReview, Agent: "bob"}, req: Request{Action: ActionApprove, Actor: agent}, code: CodeUnauthorized},
		{name: "approve completed", task: Task{Status: StatusCompleted, Agent: "bob"}, req: Request{Action: ActionApprove, Actor: creator}, code: CodeAlreadyInState},
		{name: "revision", task: Task{Status: StatusReview, Agent: "bob"}, req: Request{Action: ActionRequestRevision, Actor: creator}, want: StatusInProgress},
		{name: "dispute from review", task: Task{Status: StatusReview, Agent: "bob"}, req: Request{Action: ActionDispute, Actor: creator, Reason: "late"}, want: StatusDisputed},
		{name: "dispute without reason", task: Task{Status: StatusReview, Agent: "bob"}, req: Request{Action: ActionDispute, Actor: creator, Reason: "  "}, code: CodeTaskValidation},
		{name: "agent dispute disallowed", task: Task{Status: StatusInProgress, Agent: "bob"}, req: Request{Action: ActionDispute, Actor: agent, Reason: "unpaid"}, code: CodeUnauthorized},
		{name: "agent dispute by policy", task: Task{Status: StatusInProgress, Agent: "bob"}, req: Request{Action: ActionDispute, Actor: agent, Reason: "unpaid"}, policy: Policy{AgentMayDispute: true}, want: StatusDisputed},
		{name: "cancel open", task: Task{Status: StatusOpen}, req: Request{Action: ActionCancel, Actor: creator}, want: StatusCancelled},
		{name: "cancel assigned", task: Task{Status: StatusOpen, Agent: "bob"}, req: Request{Action: ActionCancel, Actor: creator}, code: CodeInvalidTransition},
		{name: "cancel in progress", task: Task{Status: StatusInProgress, Agent: "bob"}, req: Request{Action: ActionCancel, Actor: agent}, code: CodeUnauthorized},
		{name: "refund after deadline", task: Task{Status: StatusFunded, DeadlineHeight: 100}, req: Request{Action: ActionRefund, Actor: creator, Height: 101}, want: StatusRefunded},
		{name: "refund at deadline", task: Task{Status: StatusFunded, DeadlineHeight: 100}, req: Request{Action: ActionRefund, Actor: creator, Height: 100}, code: CodeInvalidTransition},
		{name: "refund without deadline", task: Task{Status: StatusFunded}, req: Request{Action: ActionRefund, Actor: creator, Height: 100}, code: CodeInvalidTransition},
		{name: "refund in progress", task: Task{Status: StatusInProgress, Agent: "bob", DeadlineHeight: 1}, req: Request{Action: ActionRefund, Actor: agent, Height: 100}, code: CodeInvalidTransition},
		{name: "mediator completes", task: Task{Status: StatusDisputed, Agent: "bob"}, req: Request{Action: ActionResolveComplete, Actor: mediator}, want: StatusCompleted},
		{name: "mediator refunds", task: Task{Status: StatusDisputed, Agent: "bob"}, req: Request{Action: ActionResolveRefund, Actor: mediator}, want: StatusRefunded},
		{name: "creator cannot resolve", task: Task{Status: StatusDisputed, Agent: "bob"}, req: Request{Action: ActionResolveComplete, Actor: creator}, code: CodeUnauthorized},
		{name: "unknown action", task: Task{Status: StatusOpen}, req: Request{Action: "teleport", Actor: creator}, code: CodeInvalidTransition},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.task.ID = "t1"
			tc.task.Creator = "alice"
			tr, err := Plan(&tc.task, tc.req, tc.policy)
			if tc.code != "" {
				if err == nil {
					t.Fatalf("expected %s, got transition to %s", tc.code, tr.To)
				}
				if got := xerrors.CodeOf(err); got != tc.code {
					t.Fatalf("expected code %s, got %s (%v)", tc.code, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tr.To != tc.want || tr.From != tc.task.Status {
				t.Fatalf("unexpected transition %s -> %s", tr.From, tr.To)
			}
		})
	}
}

func TestEscrowStatusIsMonotonic(t *testing.T) {
	allowed := map[EscrowStatus][]EscrowStatus{
		EscrowUnfunded: {EscrowFunded},
		EscrowFunded:   {EscrowReleased, EscrowRefunded},
	}
	all := []EscrowStatus{EscrowUnfunded, EscrowFunded, EscrowReleased, EscrowRefunded}
	for _, from := range all {
		for _, next := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == next {
					want = true
				}
			}
			if got := from.CanAdvanceTo(next); got != want {
				t.Fatalf("%s -> %s: expected %v, got %v", from, next, want, got)
			}
		}
	}
}
