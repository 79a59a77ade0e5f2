package escrow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"EgoMarket/internal/agent"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/events"
	"EgoMarket/internal/signing"
	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// MintStatus 表示铸造任务的状态。
type MintStatus string

const (
	MintScheduled MintStatus = "scheduled"
	MintMinted    MintStatus = "minted"
	MintSkipped   MintStatus = "skipped"
	MintFailed    MintStatus = "failed"
	MintCancelled MintStatus = "cancelled"
)

// Final 判断铸造任务是否已结束。
func (s MintStatus) Final() bool {
	return s != MintScheduled
}

// MintJob 是一次放款后延迟执行的信誉代币铸造。
type MintJob struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	TaskID      string     `json:"task_id"`
	Address     string     `json:"address"`
	ReleaseTxID string     `json:"release_tx_id"`
	Status      MintStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	TxID        string     `json:"tx_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	RunAt       time.Time  `json:"run_at"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
}

// Minter 提交铸造交易。
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (Receipt, error)
}

// LedgerMinter 使用服务钱包通过 Orchestrator 铸造。
type LedgerMinter struct {
	orch    *Orchestrator
	gateway signing.Gateway
}

// NewLedgerMinter 构造基于服务钱包的 Minter。
func NewLedgerMinter(orch *Orchestrator, gateway signing.Gateway) *LedgerMinter {
	return &LedgerMinter{orch: orch, gateway: gateway}
}

// Mint 实现 Minter。
func (m *LedgerMinter) Mint(ctx context.Context, req MintRequest) (Receipt, error) {
	return m.orch.Mint(ctx, m.gateway, req)
}

// MintScheduler 在结算延迟后铸造信誉代币。铸造失败只记录告警，从不影响放款结果。
type MintScheduler struct {
	minter   Minter
	agents   agent.Store
	deferred *Deferred
	clock    clock.Clock
	delay    time.Duration
	backoff  time.Duration
	bus      *events.Bus
	log      *slog.Logger

	mu   sync.Mutex
	jobs map[string]*MintJob
}

// MintOption 定义可选配置。
type MintOption func(*MintScheduler)

// WithMintClock 配置时钟。
func WithMintClock(c clock.Clock) MintOption {
	return func(s *MintScheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMintEventBus 配置事件总线。
func WithMintEventBus(bus *events.Bus) MintOption {
	return func(s *MintScheduler) { s.bus = bus }
}

// WithMintTiming 覆盖结算延迟与冲突退避。
func WithMintTiming(delay, backoff time.Duration) MintOption {
	return func(s *MintScheduler) {
		if delay > 0 {
			s.delay = delay
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// NewMintScheduler 构造铸造调度器。agents 用于在每次尝试前复核代理是否停权。
func NewMintScheduler(minter Minter, agents agent.Store, opts ...MintOption) *MintScheduler {
	d := DefaultConfig()
	s := &MintScheduler{
		minter:  minter,
		agents:  agents,
		clock:   clock.New(),
		delay:   d.SettleDelay,
		backoff: d.MintBackoff,
		log:     logger.Named("escrow.mint"),
		jobs:    make(map[string]*MintJob),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.deferred = NewDeferred(s.clock)
	return s
}

// Schedule 为已放款任务登记一次铸造。同一任务重复登记返回已有任务。
func (s *MintScheduler) Schedule(ctx context.Context, req MintRequest, releaseTxID string) (MintJob, error) {
	if req.TaskID == "" || req.AgentID == "" || req.AgentAddress == "" {
		return MintJob{}, xerrors.New(xerrors.CodeInvalidArgument, "铸造需要任务、代理与地址")
	}
	now := s.clock.Now()
	s.mu.Lock()
	if existing, ok := s.jobs[req.TaskID]; ok && existing.Status != MintCancelled {
		job := *existing
		s.mu.Unlock()
		return job, nil
	}
	job := &MintJob{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		TaskID:      req.TaskID,
		Address:     req.AgentAddress,
		ReleaseTxID: releaseTxID,
		Status:      MintScheduled,
		ScheduledAt: now,
		RunAt:       now.Add(s.delay),
	}
	s.jobs[req.TaskID] = job
	snapshot := *job
	s.mu.Unlock()

	if !s.arm(req, 1, s.delay) {
		s.finish(ctx, req.TaskID, MintCancelled, "", "scheduler closed")
		return s.jobOrEmpty(req.TaskID), nil
	}
	s.bus.Emit(ctx, events.KindMintScheduled, req.TaskID, req.AgentID, map[string]any{
		"job_id":        snapshot.ID,
		"release_tx_id": releaseTxID,
		"run_at":        snapshot.RunAt,
	})
	s.log.Info("已安排信誉代币铸造",
		slog.String("task_id", req.TaskID),
		slog.String("agent_id", req.AgentID),
		slog.Duration("delay", s.delay),
	)
	return snapshot, nil
}

func (s *MintScheduler) arm(req MintRequest, attempt int, delay time.Duration) bool {
	return s.deferred.After(req.TaskID, delay, func(ctx context.Context) {
		s.run(ctx, req, attempt)
	})
}

func (s *MintScheduler) run(ctx context.Context, req MintRequest, attempt int) {
	s.mu.Lock()
	job, ok := s.jobs[req.TaskID]
	if !ok || job.Status != MintScheduled {
		s.mu.Unlock()
		return
	}
	job.Attempts = attempt
	s.mu.Unlock()

	if s.agents != nil {
		susp, err := s.agents.ActiveSuspension(ctx, req.AgentID, s.clock.Now())
		if err != nil {
			s.finish(ctx, req.TaskID, MintFailed, "", err.Error())
			return
		}
		if susp != nil {
			s.finish(ctx, req.TaskID, MintSkipped, "", "agent suspended: "+susp.Reason)
			return
		}
	}

	receipt, err := s.minter.Mint(ctx, req)
	if err == nil {
		s.finish(ctx, req.TaskID, MintMinted, receipt.TxID, "")
		return
	}
	if ctx.Err() != nil {
		s.finish(context.WithoutCancel(ctx), req.TaskID, MintCancelled, "", ctx.Err().Error())
		return
	}
	if xerrors.CodeOf(err) == CodeConflict && attempt == 1 {
		s.mu.Lock()
		if j, ok := s.jobs[req.TaskID]; ok && j.Status == MintScheduled {
			j.RunAt = s.clock.Now().Add(s.backoff)
			j.Error = err.Error()
		}
		s.mu.Unlock()
		s.log.Warn("铸造遇到 UTXO 冲突，稍后重试",
			slog.String("task_id", req.TaskID),
			slog.Duration("backoff", s.backoff),
			slog.Any("error", err),
		)
		if !s.arm(req, attempt+1, s.backoff) {
			s.finish(ctx, req.TaskID, MintCancelled, "", "scheduler closed")
		}
		return
	}
	wrapped := xerrors.Wrap(CodeMintFailed, err, "", xerrors.WithMetadata("task_id", req.TaskID))
	s.finish(ctx, req.TaskID, MintFailed, "", wrapped.Error())
}

func (s *MintScheduler) finish(ctx context.Context, taskID string, status MintStatus, txID, reason string) {
	s.mu.Lock()
	job, ok := s.jobs[taskID]
	if !ok || job.Status.Final() {
		s.mu.Unlock()
		return
	}
	job.Status = status
	job.TxID = txID
	job.Error = reason
	job.FinishedAt = s.clock.Now()
	snapshot := *job
	s.mu.Unlock()

	attrs := []any{
		slog.String("task_id", taskID),
		slog.String("agent_id", snapshot.AgentID),
		slog.String("status", string(status)),
		slog.Int("attempts", snapshot.Attempts),
	}
	switch status {
	case MintMinted:
		logger.Audit().Info("信誉代币已铸造", append(attrs, slog.String("tx_id", txID))...)
	default:
		logger.Audit().Warn("信誉代币未铸造", append(attrs, slog.String("reason", reason))...)
	}
	s.bus.Emit(ctx, events.KindMintFinished, taskID, snapshot.AgentID, map[string]any{
		"job_id": snapshot.ID,
		"status": string(status),
		"tx_id":  txID,
		"reason": reason,
	})
}

// Cancel 取消任务尚未执行的铸造。
func (s *MintScheduler) Cancel(ctx context.Context, taskID, reason string) bool {
	if !s.deferred.Cancel(taskID) {
		return false
	}
	s.finish(ctx, taskID, MintCancelled, "", reason)
	return true
}

// CancelAgent 取消代理所有待执行的铸造，作为停权钩子使用。
func (s *MintScheduler) CancelAgent(ctx context.Context, susp agent.Suspension) {
	s.mu.Lock()
	var pending []string
	for taskID, job := range s.jobs {
		if job.AgentID == susp.AgentID && job.Status == MintScheduled {
			pending = append(pending, taskID)
		}
	}
	s.mu.Unlock()
	for _, taskID := range pending {
		if s.Cancel(ctx, taskID, "agent suspended: "+susp.Reason) {
			s.log.Info("停权取消铸造", slog.String("task_id", taskID), slog.String("agent_id", susp.AgentID))
		}
	}
}

// Job 返回任务对应的铸造记录。
func (s *MintScheduler) Job(taskID string) (MintJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[taskID]
	if !ok {
		return MintJob{}, false
	}
	return *job, true
}

// Jobs 返回全部铸造记录，按登记时间排序。
func (s *MintScheduler) Jobs() []MintJob {
	s.mu.Lock()
	out := make([]MintJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

// Pending 返回等待执行的铸造数量。
func (s *MintScheduler) Pending() int {
	return s.deferred.Len()
}

// Close 取消全部待执行铸造并等待运行中的铸造结束。
func (s *MintScheduler) Close() {
	s.deferred.Close()
}

func (s *MintScheduler) jobOrEmpty(taskID string) MintJob {
	job, _ := s.Job(taskID)
	return job
}
