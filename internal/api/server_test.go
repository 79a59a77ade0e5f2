package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"EgoMarket/internal/agent"
	"EgoMarket/internal/antigaming"
	"EgoMarket/internal/auth"
	"EgoMarket/internal/escrow"
	"EgoMarket/internal/events"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/signing"
	"EgoMarket/internal/task"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	clock   *clock.Mock
	chain   *ledger.MemoryLedger
	tasks   *task.Service
	handler http.Handler
	wallet  *signing.KeySigner
}

func newTestEnv(t *testing.T, authCfg auth.Config) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	chain := ledger.NewMemoryLedger(ledger.WithAutoMine(true))
	log := events.NewMemoryLog()
	bus := events.NewBus(log, clk)
	agents := agent.NewMemoryStore()
	rep := reputation.NewService(agents, reputation.WithClock(clk), reputation.WithEventBus(bus))
	detector := antigaming.NewDetector(antigaming.NewMemoryActivityStore(), rep,
		antigaming.WithClock(clk), antigaming.WithEventBus(bus))
	tasks := task.NewService(task.NewMemoryStore(),
		task.WithClock(clk), task.WithEventBus(bus), task.WithAcceptanceGate(detector))
	orch := escrow.NewOrchestrator(chain, escrow.WithOrchestratorClock(clk))

	wallet, err := signing.GenerateKeySigner()
	require.NoError(t, err)
	chain.Faucet(wallet.Address(), 100*ledger.NanoPerCoin)
	custodial := signing.NewDirectGateway(wallet)

	mints := escrow.NewMintScheduler(escrow.NewLedgerMinter(orch, custodial), agents,
		escrow.WithMintClock(clk), escrow.WithMintEventBus(bus))
	reconciler := escrow.NewReconciler(orch, tasks, bus)
	t.Cleanup(func() {
		mints.Close()
		reconciler.Close()
	})

	authSvc, err := auth.NewService(authCfg)
	require.NoError(t, err)
	inbox := NewSigningInbox(clk)
	server := NewServer(":0", Deps{
		Tasks: tasks,
		Settlement: escrow.NewSettlement(escrow.SettlementDeps{
			Tasks:        tasks,
			Orchestrator: orch,
			Reputation:   rep,
			Detector:     detector,
			Mints:        mints,
			Reconciler:   reconciler,
			Bus:          bus,
			Clock:        clk,
		}),
		Reputation: rep,
		Events:     log,
		Auth:       authSvc,
		Remote:     signing.NewRemoteGateway(chain, inbox, signing.WithClock(clk)),
		Inbox:      inbox,
		Custodial:  custodial,
	})
	return &testEnv{clock: clk, chain: chain, tasks: tasks, handler: server.Handler(), wallet: wallet}
}

func (e *testEnv) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != "" {
		req.Header.Set(auth.DevActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	rec := env.do(t, http.MethodPut, "/api/v1/agents/bob", "bob", map[string]any{"address": "bob-wallet"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", "alice", map[string]any{
		"title":           "translate docs",
		"budget":          10 * ledger.NanoPerCoin,
		"agent":           "bob",
		"deadline_height": 500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	posted := decode[task.Task](t, rec)
	require.Equal(t, "alice", posted.Creator)
	base := "/api/v1/tasks/" + posted.ID

	rec = env.do(t, http.MethodPost, base+"/fund", "alice", map[string]any{"wallet": "custodial"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	funded := decode[struct {
		Task    task.Task      `json:"task"`
		Receipt escrow.Receipt `json:"receipt"`
	}](t, rec)
	require.Equal(t, task.StatusInProgress, funded.Task.Status)
	require.Equal(t, task.EscrowFunded, funded.Task.EscrowStatus)
	require.NotEmpty(t, funded.Receipt.TxID)

	rec = env.do(t, http.MethodPost, base+"/escrow/reconcile", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, task.EscrowFunded, decode[task.Task](t, rec).EscrowStatus)

	rec = env.do(t, http.MethodPost, base+"/deliverables", "bob", map[string]any{"content": "done"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	env.clock.Add(8 * 24 * time.Hour)
	rec = env.do(t, http.MethodPost, base+"/approve", "alice", map[string]any{"wallet": "custodial"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, base+"/escrow", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[escrow.EscrowView](t, rec)
	require.Equal(t, task.EscrowReleased, view.Local)
	require.Equal(t, escrow.ChainSpent, view.OnChain)

	rec = env.do(t, http.MethodGet, base+"/transitions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	log := decode[struct {
		Transitions []task.Transition `json:"transitions"`
	}](t, rec)
	require.NotEmpty(t, log.Transitions)
	require.Equal(t, task.StatusCompleted, log.Transitions[len(log.Transitions)-1].To)

	rec = env.do(t, http.MethodPost, base+"/rate", "alice", map[string]any{"rating": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	standing := decode[reputation.Standing](t, rec)
	require.Equal(t, "bob", standing.AgentID)
	require.Equal(t, 1, standing.Summary.Completed)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks?status=completed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Tasks []task.Task `json:"tasks"`
	}](t, rec)
	require.Len(t, listed.Tasks, 1)
}

func TestErrorResponses(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[errorBody](t, rec)
	require.Equal(t, string(task.CodeTaskNotFound), body.Error.Code)
	require.NotEmpty(t, body.RequestID)
	require.Equal(t, body.RequestID, rec.Header().Get(RequestIDHeader))

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", "", map[string]any{"title": "x", "budget": 1})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", "alice", map[string]any{"title": "", "budget": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", "alice", map[string]any{"title": "x", "budget": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	posted := decode[task.Task](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+posted.ID+"/cancel", "mallory", map[string]any{"reason": "mine"})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+posted.ID+"/fund", "alice", map[string]any{"wallet": "remote"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+posted.ID+"/escrow/reconcile", "alice", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+posted.ID+"/resolve", "alice", map[string]any{"verdict": "maybe"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestStaticAuthEnforcesPermissions(t *testing.T) {
	env := newTestEnv(t, auth.Config{
		Mode:   auth.ModeStatic,
		Tokens: []auth.StaticToken{{Token: "reader", Subject: "carol", Permissions: []string{auth.PermTasksRead}}},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer reader")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"title":"x","budget":1}`))
	req.Header.Set("Authorization", "Bearer reader")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSigningInboxFiltersByAddressAndExpiry(t *testing.T) {
	clk := clock.NewMock()
	inbox := NewSigningInbox(clk)
	ctx, cancel := context.WithCancel(signing.ContextWithIdentity(context.Background(), signing.Identity{Address: "alice"}))
	defer cancel()

	require.NoError(t, inbox.Present(ctx, signing.Request{SessionID: "s1", TxID: "tx1", ExpiresAt: clk.Now().Add(time.Minute)}))
	require.Len(t, inbox.Pending("alice"), 1)
	require.Len(t, inbox.Pending("bob"), 0)
	require.Len(t, inbox.Pending(""), 1)

	clk.Add(2 * time.Minute)
	require.Empty(t, inbox.Pending("alice"))

	require.NoError(t, inbox.Present(ctx, signing.Request{SessionID: "s2", ExpiresAt: clk.Now().Add(time.Minute)}))
	cancel()
	require.Eventually(t, func() bool {
		_, ok := inbox.Lookup("s2")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestAmbiguousErrorsAreNotFailures(t *testing.T) {
	require.Equal(t, http.StatusAccepted, statusFor(escrow.ErrSubmissionUnconfirmed))
	require.Equal(t, http.StatusAccepted, statusFor(escrow.ErrEscrowUnresolved))
	require.Equal(t, http.StatusUnprocessableEntity, statusFor(escrow.ErrDeadlineNotReached))
	require.Equal(t, http.StatusConflict, statusFor(escrow.ErrStaleReference))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	env.do(t, http.MethodGet, "/api/v1/tasks", "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "egomarket_http_requests_total")
}
