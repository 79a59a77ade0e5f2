package task

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "EgoMarket/internal/errors"
)

// Action 是驱动状态迁移的业务动作。
type Action string

const (
	ActionFund            Action = "fund"
	ActionAcceptBid       Action = "accept_bid"
	ActionSubmit          Action = "submit_deliverable"
	ActionApprove         Action = "approve"
	ActionRequestRevision Action = "request_revision"
	ActionDispute         Action = "dispute"
	ActionCancel          Action = "cancel"
	ActionRefund          Action = "refund"
	ActionResolveComplete Action = "resolve_complete"
	ActionResolveRefund   Action = "resolve_refund"
)

// Role 是调用方相对于任务的角色。
type Role string

const (
	RoleNone     Role = "none"
	RoleCreator  Role = "creator"
	RoleAgent    Role = "agent"
	RoleMediator Role = "mediator"
)

// Actor 标识发起动作的一方。Mediator 只能由服务端的调解流程设置。
type Actor struct {
	ID       string
	Mediator bool
}

// Policy 控制状态机中可配置的授权规则。
type Policy struct {
	AgentMayDispute bool
}

// Request 是一次迁移请求。Height 为当前链高度，仅退款动作使用。
type Request struct {
	Action Action
	Actor  Actor
	Reason string
	Height int64
}

type rule struct {
	from              []Status
	roles             []Role
	target            func(*Task) Status
	requireUnassigned bool
	requireReason     bool
	requireDeadline   bool
}

func to(s Status) func(*Task) Status {
	return func(*Task) Status { return s }
}

var rules = map[Action]rule{
	ActionFund: {
		from:  []Status{StatusOpen},
		roles: []Role{RoleCreator},
		target: func(t *Task) Status {
			if t.Assigned() {
				return StatusInProgress
			}
			return StatusFunded
		},
	},
	ActionAcceptBid: {
		from:              []Status{StatusOpen, StatusFunded},
		roles:             []Role{RoleCreator},
		target:            to(StatusInProgress),
		requireUnassigned: true,
	},
	ActionSubmit: {
		from:   []Status{StatusInProgress},
		roles:  []Role{RoleAgent},
		target: to(StatusReview),
	},
	ActionApprove: {
		from:   []Status{StatusReview},
		roles:  []Role{RoleCreator},
		target: to(StatusCompleted),
	},
	ActionRequestRevision: {
		from:   []Status{StatusReview},
		roles:  []Role{RoleCreator},
		target: to(StatusInProgress),
	},
	ActionDispute: {
		from:          []Status{StatusReview, StatusInProgress},
		roles:         []Role{RoleCreator},
		target:        to(StatusDisputed),
		requireReason: true,
	},
	ActionCancel: {
		from:              []Status{StatusOpen, StatusFunded},
		roles:             []Role{RoleCreator},
		target:            to(StatusCancelled),
		requireUnassigned: true,
	},
	ActionRefund: {
		from:            []Status{StatusFunded},
		roles:           []Role{RoleCreator, RoleAgent},
		target:          to(StatusRefunded),
		requireDeadline: true,
	},
	ActionResolveComplete: {
		from:   []Status{StatusDisputed},
		roles:  []Role{RoleMediator},
		target: to(StatusCompleted),
	},
	ActionResolveRefund: {
		from:   []Status{StatusDisputed},
		roles:  []Role{RoleMediator},
		target: to(StatusRefunded),
	},
}

// RoleOf 返回 actor 相对任务的角色。
func RoleOf(t *Task, actor Actor) Role {
	switch {
	case actor.Mediator:
		return RoleMediator
	case actor.ID == "":
		return RoleNone
	case actor.ID == t.Creator:
		return RoleCreator
	case t.Assigned() && actor.ID == t.Agent:
		return RoleAgent
	default:
		return RoleNone
	}
}

// Plan 校验迁移请求并返回待写入的迁移记录，不修改任务。
//
// 检查顺序：授权 → 指派约束 → 目标已是当前状态 → 来源状态 → 理由与期限。
func Plan(t *Task, req Request, policy Policy) (Transition, error) {
	if t == nil {
		return Transition{}, ErrTaskNotFound
	}
	r, ok := rules[req.Action]
	if !ok {
		return Transition{}, xerrors.New(CodeInvalidTransition, fmt.Sprintf("unknown action %q", req.Action))
	}

	role := RoleOf(t, req.Actor)
	roles := r.roles
	if req.Action == ActionDispute && policy.AgentMayDispute {
		roles = append([]Role{RoleAgent}, roles...)
	}
	if !containsRole(roles, role) {
		return Transition{}, xerrors.New(CodeUnauthorized,
			fmt.Sprintf("%s may not %s task %s", role, req.Action, t.ID),
			xerrors.WithMetadata("actor", req.Actor.ID),
			xerrors.WithMetadata("action", string(req.Action)))
	}
	if r.requireUnassigned && t.Assigned() {
		return Transition{}, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("task %s already assigned to %s", t.ID, t.Agent),
			xerrors.WithMetadata("status", string(t.Status)))
	}

	target := r.target(t)
	if t.Status == target {
		return Transition{}, xerrors.New(CodeAlreadyInState,
			fmt.Sprintf("task %s already %s", t.ID, target),
			xerrors.WithMetadata("status", string(target)))
	}
	if !containsStatus(r.from, t.Status) {
		return Transition{}, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("cannot %s task %s from %s", req.Action, t.ID, t.Status),
			xerrors.WithMetadata("status", string(t.Status)),
			xerrors.WithMetadata("action", string(req.Action)))
	}
	if r.requireReason && strings.TrimSpace(req.Reason) == "" {
		return Transition{}, xerrors.New(CodeTaskValidation, "a reason is required")
	}
	if r.requireDeadline && (t.DeadlineHeight <= 0 || req.Height <= t.DeadlineHeight) {
		return Transition{}, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("deadline height %d not passed (current %d)", t.DeadlineHeight, req.Height),
			xerrors.WithMetadata("deadline_height", strconv.FormatInt(t.DeadlineHeight, 10)))
	}

	return Transition{
		TaskID: t.ID,
		From:   t.Status,
		To:     target,
		Action: req.Action,
		Actor:  req.Actor.ID,
		Role:   role,
		Reason: strings.TrimSpace(req.Reason),
	}, nil
}

func containsRole(set []Role, r Role) bool {
	for _, candidate := range set {
		if candidate == r {
			return true
		}
	}
	return false
}

func containsStatus(set []Status, s Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
