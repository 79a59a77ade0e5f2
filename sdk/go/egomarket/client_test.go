package egomarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"EgoMarket/internal/api"
	"EgoMarket/internal/auth"
	"EgoMarket/internal/escrow"
	"EgoMarket/internal/signing"
	"EgoMarket/internal/task"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	return client
}

func TestPostTaskSendsTokenAndBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/tasks", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req task.PostRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "translate", req.Title)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(task.Task{ID: "task-1", Title: req.Title, Status: task.StatusOpen})
	})
	client.SetAccessToken("secret")

	got, err := client.PostTask(context.Background(), task.PostRequest{Title: "translate", Budget: 5})
	require.NoError(t, err)
	require.Equal(t, "task-1", got.ID)
	require.Equal(t, task.StatusOpen, got.Status)
}

func TestActorHeaderAndQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks", r.URL.Path)
		require.Equal(t, "alice", r.Header.Get(auth.DevActorHeader))
		require.Empty(t, r.Header.Get("Authorization"))
		require.Equal(t, "open,funded", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": []task.Task{{ID: "a"}, {ID: "b"}}})
	})
	client.SetActor("alice")

	tasks, err := client.ListTasks(context.Background(), url.Values{"status": {"open,funded"}})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestFundDecodesReceipt(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks/task-1/fund", r.URL.Path)
		var wallet Wallet
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wallet))
		require.Equal(t, "remote", wallet.Kind)
		require.Equal(t, "addr-alice", wallet.Address)
		_ = json.NewEncoder(w).Encode(Settlement{
			Task:    &task.Task{ID: "task-1", Status: task.StatusFunded},
			Receipt: escrow.Receipt{Operation: escrow.OpFund, TaskID: "task-1", TxID: "tx-1", BoxID: "box-1"},
		})
	})

	res, err := client.Fund(context.Background(), "task-1", RemoteWallet("addr-alice"))
	require.NoError(t, err)
	require.Equal(t, task.StatusFunded, res.Task.Status)
	require.Equal(t, "box-1", res.Receipt.BoxID)
}

func TestAmbiguousOutcomeIsAnError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"request_id":"req_1","error":{"code":"ESCROW_UNRESOLVED","message":"pending","retryable":false,"ambiguous":true,"details":{"tx_id":"tx-9"}}}`))
	})

	_, err := client.Approve(context.Background(), "task-1", CustodialWallet())
	require.Error(t, err)
	require.True(t, IsAmbiguous(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusAccepted, apiErr.StatusCode)
	require.Equal(t, "req_1", apiErr.RequestID)
	require.Equal(t, "tx-9", apiErr.Details["tx_id"])
}

func TestReconcileEscrowPostsToTask(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/tasks/task-1/escrow/reconcile", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"request_id":"req_2","error":{"code":"ESCROW_UNRESOLVED","message":"pending","retryable":true,"ambiguous":true,"recovery":"reverify"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"task-1","status":"funded","escrow_status":"funded"}`))
	})

	_, err := client.ReconcileEscrow(context.Background(), "task-1")
	require.True(t, IsAmbiguous(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "reverify", apiErr.Recovery)

	got, err := client.ReconcileEscrow(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, task.EscrowFunded, got.EscrowStatus)
}

func TestNotFoundError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks/task-404", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"request_id":"req_2","error":{"code":"TASK_NOT_FOUND","message":"missing"}}`))
	})

	_, err := client.GetTask(context.Background(), "task-404")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "TASK_NOT_FOUND", apiErr.Code)
	require.False(t, IsAmbiguous(err))
}

func TestPlainTextErrorFallsBackToBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden", http.StatusForbidden)
	})

	_, err := client.Standing(context.Background(), "bob")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Equal(t, "Forbidden", apiErr.Message)
}

func TestSigningInboxCalls(t *testing.T) {
	expires := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	var declined string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			require.Equal(t, "/api/v1/signing/requests", r.URL.Path)
			require.Equal(t, "addr-alice", r.URL.Query().Get("address"))
			_ = json.NewEncoder(w).Encode(map[string]any{"requests": []api.PendingSignature{{
				Request: signing.Request{SessionID: "s-1", TxID: "tx-1", ExpiresAt: expires},
				Address: "addr-alice",
			}}})
		case http.MethodDelete:
			declined = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}
	})

	pending, err := client.PendingSignatures(context.Background(), "addr-alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "s-1", pending[0].SessionID)
	require.True(t, pending[0].ExpiresAt.Equal(expires))

	require.NoError(t, client.DeclineSignature(context.Background(), "s-1"))
	require.Equal(t, "/api/v1/signing/requests/s-1", declined)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("://bad", nil)
	require.Error(t, err)
}
