package task

import (
	xerrors "EgoMarket/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusOpen       Status = "open"
	StatusFunded     Status = "funded"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// EscrowStatus 是应用侧缓存的托管状态，只能单向推进。
type EscrowStatus string

const (
	EscrowUnfunded EscrowStatus = "unfunded"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Settled 判断托管是否已经释放或退款。
func (s EscrowStatus) Settled() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// CanAdvanceTo 判断托管状态能否推进到 next：unfunded→funded→{released|refunded}。
func (s EscrowStatus) CanAdvanceTo(next EscrowStatus) bool {
	switch s {
	case "", EscrowUnfunded:
		return next == EscrowFunded
	case EscrowFunded:
		return next == EscrowReleased || next == EscrowRefunded
	default:
		return false
	}
}

// Task 描述一个悬赏任务及其托管引用。
type Task struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Creator        string       `json:"creator"`
	Agent          string       `json:"agent,omitempty"`
	Budget         uint64       `json:"budget"`
	Status         Status       `json:"status"`
	EscrowRef      string       `json:"escrow_ref,omitempty"`
	EscrowTxID     string       `json:"escrow_tx_id,omitempty"`
	EscrowStatus   EscrowStatus `json:"escrow_status"`
	DeadlineHeight int64        `json:"deadline_height,omitempty"`
	ParentID       string       `json:"parent_id,omitempty"`
	Archived       bool         `json:"archived"`
	Version        int64        `json:"version"`
	CreatedAt      int64        `json:"created_at"`
	UpdatedAt      int64        `json:"updated_at"`
}

// Assigned 判断任务是否已指派代理。
func (t *Task) Assigned() bool {
	return t != nil && t.Agent != ""
}

// Bid 是代理对任务的报价。
type Bid struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Agent     string `json:"agent"`
	Rate      uint64 `json:"rate"`
	Message   string `json:"message,omitempty"`
	Accepted  bool   `json:"accepted"`
	CreatedAt int64  `json:"created_at"`
}

// DeliverableStatus 表示交付物的评审状态。
type DeliverableStatus string

const (
	DeliverableSubmitted         DeliverableStatus = "submitted"
	DeliverableApproved          DeliverableStatus = "approved"
	DeliverableRevisionRequested DeliverableStatus = "revision_requested"
)

// Deliverable 是某次提交的交付物。新修订版本追加记录，不原地修改。
type Deliverable struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	Agent      string            `json:"agent"`
	Revision   int               `json:"revision"`
	Content    string            `json:"content"`
	Status     DeliverableStatus `json:"status"`
	Feedback   string            `json:"feedback,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	ReviewedAt int64             `json:"reviewed_at,omitempty"`
}

// Transition 是任务状态变更日志中的一条记录。
type Transition struct {
	TaskID string `json:"task_id"`
	Seq    int64  `json:"seq"`
	From   Status `json:"from"`
	To     Status `json:"to"`
	Action Action `json:"action"`
	Actor  string `json:"actor"`
	Role   Role   `json:"role"`
	Reason string `json:"reason,omitempty"`
	At     int64  `json:"at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示并发修改导致状态已变化。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrUnauthorized 表示调用方无权执行该操作。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "actor not allowed to perform this action")
	// ErrInvalidTransition 表示状态机不允许该迁移。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "transition not allowed")
	// ErrAlreadyInState 表示任务已处于目标状态。
	ErrAlreadyInState = xerrors.New(CodeAlreadyInState, "task already in target state")
	// ErrBidNotFound 表示报价不存在。
	ErrBidNotFound = xerrors.New(CodeBidNotFound, "bid not found")
)

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict      xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeUnauthorized      xerrors.Code = "TASK_UNAUTHORIZED"
	CodeInvalidTransition xerrors.Code = "TASK_INVALID_TRANSITION"
	CodeAlreadyInState    xerrors.Code = "TASK_ALREADY_IN_STATE"
	CodeBidNotFound       xerrors.Code = "TASK_BID_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:   "actor not allowed to perform this action",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "transition not allowed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadyInState, xerrors.Attributes{
		Message:   "task already in target state",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBidNotFound, xerrors.Attributes{
		Message:   "bid not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusOpen, StatusFunded, StatusInProgress, StatusReview,
		StatusCompleted, StatusDisputed, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
