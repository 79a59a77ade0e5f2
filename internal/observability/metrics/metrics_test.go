package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"EgoMarket/internal/events"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSubscribeCountsBusEvents(t *testing.T) {
	bus := events.NewBus(nil, nil)
	Subscribe(bus)
	ctx := context.Background()

	before := testutil.ToFloat64(transitions.WithLabelValues("approve", "completed"))
	bus.Emit(ctx, events.KindTaskTransition, "t1", "alice", map[string]any{"action": "approve", "to": "completed"})
	require.Equal(t, before+1, testutil.ToFloat64(transitions.WithLabelValues("approve", "completed")))

	mintedBefore := testutil.ToFloat64(mintJobs.WithLabelValues("minted"))
	bus.Emit(ctx, events.KindMintFinished, "t1", "bob", map[string]any{"status": "minted"})
	require.Equal(t, mintedBefore+1, testutil.ToFloat64(mintJobs.WithLabelValues("minted")))

	unknownBefore := testutil.ToFloat64(detectorDecisions.WithLabelValues("unknown"))
	bus.Emit(ctx, events.KindDetectorDecision, "bob", "detector", nil)
	require.Equal(t, unknownBefore+1, testutil.ToFloat64(detectorDecisions.WithLabelValues("unknown")))
}

func TestHandlerExposesEscrowMetrics(t *testing.T) {
	ObserveEscrowOperation("fund", "ok")
	ObserveEscrowStep("fund", "sign", 250*time.Millisecond)
	ObserveHTTPRequest("tasks.get", http.MethodGet, http.StatusInternalServerError, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `egomarket_escrow_operations_total{operation="fund",outcome="ok"}`))
	require.True(t, strings.Contains(body, "egomarket_escrow_step_duration_seconds_bucket"))
	require.True(t, strings.Contains(body, `egomarket_http_request_errors_total{handler="tasks.get",method="GET"}`))
}
