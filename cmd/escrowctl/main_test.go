package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"EgoMarket/internal/agent"
	"EgoMarket/internal/reputation"
)

const sampleConfig = "../../configs/egomarket.json"

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(append([]string{"escrowctl", "--config", sampleConfig}, args...))
	return out.String(), err
}

func TestScoreCommandComputesStanding(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var history []agent.EgoEvent
	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i+1) * 24 * time.Hour)
		history = append(history,
			agent.EgoEvent{AgentID: "bob", Kind: agent.EventRating, Rating: 5, Counterparty: "alice", OccurredAt: at.Add(time.Hour)},
			agent.EgoEvent{AgentID: "bob", Kind: agent.EventTaskCompleted, Value: 1_000_000_000, Counterparty: "alice", OccurredAt: at},
		)
	}
	raw, err := json.Marshal(history)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	out, err := runApp(t, "score", "--agent", "bob",
		"--created", start.Format(time.RFC3339),
		"--at", start.Add(10*24*time.Hour).Format(time.RFC3339),
		path)
	require.NoError(t, err)

	var st reputation.Standing
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, "bob", st.AgentID)
	require.Equal(t, 3, st.Summary.Completed)
	require.Equal(t, 3, st.Summary.Ratings)
	require.InDelta(t, 5.0, st.Summary.AverageRating, 0.001)
	require.Equal(t, reputation.TierFor(st.Score), st.Tier)
}

func TestTierCommand(t *testing.T) {
	out, err := runApp(t, "tier", "60")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, string(reputation.TierEstablished), got["tier"])
	require.Equal(t, "200", got["max_task_coins"])
	require.Equal(t, (48 * time.Hour).String(), got["escrow_hold"])
}

func TestTierCommandRejectsGarbage(t *testing.T) {
	_, err := runApp(t, "tier", "sixty")
	require.Error(t, err)
}

func TestReadEventsSortsByOccurrence(t *testing.T) {
	late := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	early := late.Add(-time.Hour)
	raw, err := json.Marshal([]agent.EgoEvent{
		{ID: "late", Kind: agent.EventTaskCompleted, OccurredAt: late},
		{ID: "early", Kind: agent.EventTaskCompleted, OccurredAt: early},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	history, err := readEvents(path)
	require.NoError(t, err)
	require.Equal(t, "early", history[0].ID)
	require.Equal(t, "late", history[1].ID)
}

func TestConfigCommandPrintsDrivers(t *testing.T) {
	out, err := runApp(t, "config")
	require.NoError(t, err)
	require.Contains(t, out, `"storage": "memory"`)
	require.Contains(t, out, `"ledger": "memory"`)
}

func TestCodesCommandListsAmbiguousOutcomes(t *testing.T) {
	out, err := runApp(t, "codes", "--ambiguous")
	require.NoError(t, err)

	var rows []codeRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	got := make(map[string]string, len(rows))
	for _, r := range rows {
		require.True(t, r.Ambiguous)
		got[string(r.Code)] = string(r.Recovery)
	}
	for _, code := range []string{"CONNECTION_TIMEOUT", "SUBMISSION_UNCONFIRMED", "CONFIRMATION_TIMEOUT", "ESCROW_UNRESOLVED"} {
		require.Equal(t, "reverify", got[code], code)
	}
	require.NotContains(t, got, "STALE_REFERENCE")
}
