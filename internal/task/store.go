package task

import "context"

// EscrowChange 描述托管引用的更新。空字段表示不修改。
type EscrowChange struct {
	Ref    string       `json:"ref,omitempty"`
	TxID   string       `json:"tx_id,omitempty"`
	Status EscrowStatus `json:"status,omitempty"`
}

// Review 描述对最新交付物的评审结论。
type Review struct {
	Status   DeliverableStatus
	Feedback string
}

// Change 是一次原子写入：状态迁移及其伴随的指派、报价、交付物与托管变化。
// 存储以 Transition.From 做乐观并发校验，并把 Transition 追加到迁移日志。
type Change struct {
	Transition  Transition
	AssignAgent string
	AcceptBidID string
	Deliverable *Deliverable
	Review      *Review
	Escrow      *EscrowChange
	At          int64
}

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	ApplyTransition(ctx context.Context, id string, change Change) (*Task, error)
	UpdateEscrowRef(ctx context.Context, id string, escrow EscrowChange, at int64) (*Task, error)
	Archive(ctx context.Context, id string, at int64) error
	Transitions(ctx context.Context, id string) ([]Transition, error)
	CreateBid(ctx context.Context, bid *Bid) error
	GetBid(ctx context.Context, taskID, bidID string) (*Bid, error)
	ListBids(ctx context.Context, taskID string) ([]*Bid, error)
	ListDeliverables(ctx context.Context, taskID string) ([]*Deliverable, error)
	Close() error
}
