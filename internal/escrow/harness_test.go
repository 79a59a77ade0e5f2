package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"EgoMarket/internal/agent"
	"EgoMarket/internal/antigaming"
	"EgoMarket/internal/events"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/signing"
	"EgoMarket/internal/task"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func coins(n uint64) uint64 { return n * ledger.NanoPerCoin }

// countingExtension records how often the wallet was asked to sign.
type countingExtension struct {
	inner *signing.KeySigner
	mu    sync.Mutex
	signs int
}

func (c *countingExtension) Connect(ctx context.Context) (signing.Identity, error) {
	return c.inner.Connect(ctx)
}

func (c *countingExtension) SignTx(ctx context.Context, tx *ledger.UnsignedTx) (*ledger.SignedTx, error) {
	c.mu.Lock()
	c.signs++
	c.mu.Unlock()
	return c.inner.SignTx(ctx, tx)
}

func (c *countingExtension) Signs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signs
}

// hookedExtension lets a test stall or fail the wallet before delegating.
type hookedExtension struct {
	inner     *signing.KeySigner
	onConnect func(ctx context.Context) error
	onSign    func(ctx context.Context) error
}

func (h *hookedExtension) Connect(ctx context.Context) (signing.Identity, error) {
	if h.onConnect != nil {
		if err := h.onConnect(ctx); err != nil {
			return signing.Identity{}, err
		}
	}
	return h.inner.Connect(ctx)
}

func (h *hookedExtension) SignTx(ctx context.Context, tx *ledger.UnsignedTx) (*ledger.SignedTx, error) {
	if h.onSign != nil {
		if err := h.onSign(ctx); err != nil {
			return nil, err
		}
	}
	return h.inner.SignTx(ctx, tx)
}

// stalledSigner blocks the first signature until release is closed.
func (h *harness) stalledSigner() (gw signing.Gateway, entered <-chan struct{}, release chan<- struct{}) {
	in, out := make(chan struct{}), make(chan struct{})
	var once sync.Once
	ext := &hookedExtension{inner: h.alice, onSign: func(ctx context.Context) error {
		first := false
		once.Do(func() {
			first = true
			close(in)
		})
		if !first {
			return nil
		}
		select {
		case <-out:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	return signing.NewDirectGateway(ext), in, out
}

// waiters reports how many pipelines hold or wait on key.
func (l *taskLocks) waiters(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk, ok := l.locks[key]; ok {
		return lk.refs
	}
	return 0
}

type harness struct {
	clock      *clock.Mock
	chain      *ledger.MemoryLedger
	bus        *events.Bus
	agents     *agent.MemoryStore
	tasks      *task.Service
	rep        *reputation.Service
	detector   *antigaming.Detector
	orch       *Orchestrator
	mints      *MintScheduler
	reconciler *Reconciler
	settlement *Settlement

	alice   *signing.KeySigner
	wallet  *countingExtension
	gateway signing.Gateway
	service *signing.KeySigner
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	escrow   Config
	mediator Mediator
}

func withEscrowConfig(cfg Config) harnessOption {
	return func(h *harnessConfig) { h.escrow = cfg }
}

func withMediator(m Mediator) harnessOption {
	return func(h *harnessConfig) { h.mediator = m }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{escrow: DefaultConfig()}
	for _, opt := range opts {
		opt(&hc)
	}

	clk := clock.NewMock()
	clk.Set(epoch)
	chain := ledger.NewMemoryLedger(ledger.WithAutoMine(true))
	bus := events.NewBus(events.NewMemoryLog(), clk)
	agents := agent.NewMemoryStore()
	rep := reputation.NewService(agents, reputation.WithClock(clk), reputation.WithEventBus(bus))
	detector := antigaming.NewDetector(antigaming.NewMemoryActivityStore(), rep,
		antigaming.WithClock(clk), antigaming.WithEventBus(bus))
	tasks := task.NewService(task.NewMemoryStore(),
		task.WithClock(clk), task.WithEventBus(bus), task.WithAcceptanceGate(detector))
	orch := NewOrchestrator(chain, WithConfig(hc.escrow), WithOrchestratorClock(clk))

	alice, err := signing.GenerateKeySigner()
	require.NoError(t, err)
	service, err := signing.GenerateKeySigner()
	require.NoError(t, err)
	chain.Faucet(service.Address(), coins(5))

	mints := NewMintScheduler(NewLedgerMinter(orch, signing.NewDirectGateway(service)), agents,
		WithMintClock(clk), WithMintEventBus(bus),
		WithMintTiming(orch.Config().SettleDelay, orch.Config().MintBackoff))
	detector.OnSuspend(mints.CancelAgent)
	reconciler := NewReconciler(orch, tasks, bus)
	t.Cleanup(func() {
		mints.Close()
		reconciler.Close()
	})

	wallet := &countingExtension{inner: alice}
	return &harness{
		clock:      clk,
		chain:      chain,
		bus:        bus,
		agents:     agents,
		tasks:      tasks,
		rep:        rep,
		detector:   detector,
		orch:       orch,
		mints:      mints,
		reconciler: reconciler,
		settlement: NewSettlement(SettlementDeps{
			Tasks:        tasks,
			Orchestrator: orch,
			Reputation:   rep,
			Detector:     detector,
			Mints:        mints,
			Reconciler:   reconciler,
			Mediator:     hc.mediator,
			Bus:          bus,
			Clock:        clk,
		}),
		alice:   alice,
		wallet:  wallet,
		gateway: signing.NewDirectGateway(wallet),
		service: service,
	}
}

var (
	creator = task.Actor{ID: "alice"}
	worker  = task.Actor{ID: "bob"}
)

// postAssigned posts a task pre-assigned to bob with alice's wallet funded.
func (h *harness) postAssigned(t *testing.T, budget uint64, deadline int64) *task.Task {
	t.Helper()
	h.chain.Faucet(h.alice.Address(), budget+coins(1))
	posted, err := h.tasks.PostTask(context.Background(), task.PostRequest{
		Title:          "translate docs",
		Creator:        creator.ID,
		Agent:          worker.ID,
		Budget:         budget,
		DeadlineHeight: deadline,
	})
	require.NoError(t, err)
	return posted
}

// postOpen posts an unassigned task with alice's wallet funded.
func (h *harness) postOpen(t *testing.T, budget uint64, deadline int64) *task.Task {
	t.Helper()
	h.chain.Faucet(h.alice.Address(), budget+coins(1))
	posted, err := h.tasks.PostTask(context.Background(), task.PostRequest{
		Title:          "label images",
		Creator:        creator.ID,
		Budget:         budget,
		DeadlineHeight: deadline,
	})
	require.NoError(t, err)
	return posted
}

// deliver funds the task and moves it to review.
func (h *harness) deliver(t *testing.T, taskID string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := h.settlement.FundTask(ctx, h.gateway, taskID, creator)
	require.NoError(t, err)
	_, _, err = h.tasks.SubmitDeliverable(ctx, taskID, worker, "done")
	require.NoError(t, err)
}

// fakeMinter returns queued errors before succeeding.
type fakeMinter struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeMinter) Mint(_ context.Context, req MintRequest) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return Receipt{}, err
	}
	return Receipt{Operation: OpMint, TaskID: req.TaskID, TxID: "mint-" + req.TaskID}, nil
}

func (f *fakeMinter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
