package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"EgoMarket/internal/agent"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/task"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

var taskColumnNames = []string{"id", "title", "description", "creator", "agent", "budget", "status", "escrow_ref",
	"escrow_tx_id", "escrow_status", "deadline_height", "parent_id", "archived", "version", "created_at", "updated_at"}

func taskRow(status task.Status, version int64) mockRowsData {
	return mockRowsData{
		columns: taskColumnNames,
		values: [][]driver.Value{{
			"t1", "logo", "design a logo", "alice", "", int64(5_000_000_000), string(status), "", "",
			string(task.EscrowFunded), int64(120), "", int64(0), version, int64(100), int64(110),
		}},
	}
}

func TestRunMigrationsSkipsAppliedVersions(t *testing.T) {
	files, err := loadMigrationFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "0001", files[0].version)

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
		beginOp(),
	}
	for _, stmt := range files[1].statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops, execOp(insertMigrationSQL, mockResult{rowsAffected: 1}), commitOp())

	db, drv := newMockDB(t, ops)
	require.NoError(t, runMigrations(context.Background(), db))
	drv.assertConsumed(t)
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("CREATE TABLE a (id INT);\n\n CREATE TABLE b (id INT);\n")
	require.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}, stmts)
	require.Equal(t, "0002", parseMigrationVersion("0002_create_agents.sql"))
}

func TestTaskStoreCreateDuplicateIsConflict(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execErrOp(insertTaskSQL, &mysqldrv.MySQLError{Number: 1062, Message: "Duplicate entry 't1'"}),
	})
	store := NewTaskStore(db)

	err := store.Create(context.Background(), &task.Task{ID: "t1", Title: "logo", Creator: "alice", CreatedAt: 100})
	require.True(t, errors.Is(err, task.ErrTaskConflict))
	drv.assertConsumed(t)
}

func TestTaskStoreGetMissingTask(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectTaskSQL, mockRowsData{columns: taskColumnNames}),
	})
	_, err := NewTaskStore(db).Get(context.Background(), "missing")
	require.True(t, errors.Is(err, task.ErrTaskNotFound))
	drv.assertConsumed(t)
}

func TestTaskStoreApplyTransitionChecksCurrentStatus(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectTaskForUpdateSQL, taskRow(task.StatusOpen, 1)),
		rollbackOp(),
	})
	_, err := NewTaskStore(db).ApplyTransition(context.Background(), "t1", task.Change{
		Transition: task.Transition{From: task.StatusFunded, To: task.StatusInProgress, Action: task.ActionAcceptBid},
		At:         200,
	})
	require.Equal(t, task.CodeTaskConflict, xerrors.CodeOf(err))
	drv.assertConsumed(t)
}

func TestTaskStoreApplyTransitionAppendsLog(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectTaskForUpdateSQL, taskRow(task.StatusFunded, 2)),
		execOp(updateTaskSQL, mockResult{rowsAffected: 1}),
		queryOp(nextTransitionSeqSQL, mockRowsData{columns: []string{"seq"}, values: [][]driver.Value{{int64(3)}}}),
		execOp(insertTransitionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	updated, err := NewTaskStore(db).ApplyTransition(context.Background(), "t1", task.Change{
		Transition:  task.Transition{From: task.StatusFunded, To: task.StatusInProgress, Action: task.ActionAcceptBid, Actor: "alice", Role: task.RoleCreator},
		AssignAgent: "bob",
		At:          200,
	})
	require.NoError(t, err)
	require.Equal(t, task.StatusInProgress, updated.Status)
	require.Equal(t, "bob", updated.Agent)
	require.Equal(t, int64(3), updated.Version)
	require.Equal(t, int64(200), updated.UpdatedAt)
	drv.assertConsumed(t)
}

func TestTaskStoreStaleVersionIsConflict(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectTaskForUpdateSQL, taskRow(task.StatusFunded, 2)),
		execOp(updateTaskSQL, mockResult{rowsAffected: 0}),
		rollbackOp(),
	})
	_, err := NewTaskStore(db).UpdateEscrowRef(context.Background(), "t1", task.EscrowChange{TxID: "abc"}, 300)
	require.True(t, errors.Is(err, task.ErrTaskConflict))
	drv.assertConsumed(t)
}

func TestTaskStoreListAppliesFilters(t *testing.T) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE archived = 0 AND status IN (?, ?) AND creator = ?
    ORDER BY updated_at DESC, created_at DESC, id LIMIT ? OFFSET ?`
	db, drv := newMockDB(t, []mockOperation{
		queryOp(query, taskRow(task.StatusFunded, 2)),
	})
	opts := task.BuildListOptions(task.WithStatuses(task.StatusOpen, task.StatusFunded), task.WithCreator("alice"))
	list, err := NewTaskStore(db).List(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, uint64(5_000_000_000), list[0].Budget)
	require.Equal(t, task.EscrowFunded, list[0].EscrowStatus)
	require.False(t, list[0].Archived)
	drv.assertConsumed(t)
}

func TestAgentStoreDuplicateEventIsConflict(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execErrOp(insertEgoEventSQL, &mysqldrv.MySQLError{Number: 1062}),
	})
	err := NewAgentStore(db).RecordEgoEvent(context.Background(), &agent.EgoEvent{
		ID: "e1", AgentID: "bob", Kind: agent.EventRating, Rating: 5, OccurredAt: time.Unix(100, 0),
	})
	require.True(t, errors.Is(err, agent.ErrAgentConflict))
	drv.assertConsumed(t)
}

func TestAgentStoreListEgoEvents(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectEgoEventsSQL, mockRowsData{
			columns: []string{"id", "agent_id", "kind", "task_id", "counterparty", "rating", "amount", "outcome", "uptime", "benchmark", "suppressed", "occurred_at"},
			values: [][]driver.Value{
				{"e1", "bob", "rating", "t1", "alice", int64(1), int64(0), "", float64(0), "", int64(1), at.UnixNano()},
			},
		}),
	})
	events, err := NewAgentStore(db).ListEgoEvents(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, agent.EventRating, events[0].Kind)
	require.True(t, events[0].Suppressed)
	require.True(t, at.Equal(events[0].OccurredAt))
	drv.assertConsumed(t)
}

func TestAgentStoreNoActiveSuspension(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		queryOp(activeSuspensionSQL, mockRowsData{columns: []string{"id", "agent_id", "reason", "decision_id", "starts_at", "expires_at"}}),
	})
	susp, err := NewAgentStore(db).ActiveSuspension(context.Background(), "bob", time.Now())
	require.NoError(t, err)
	require.Nil(t, susp)
	drv.assertConsumed(t)
}

func TestAgentStoreUpdateStatsUnknownAgent(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(updateAgentStatsSQL, mockResult{rowsAffected: 0}),
	})
	err := NewAgentStore(db).UpdateAgentStats(context.Background(), "ghost", agent.Stats{EgoScore: 10}, time.Now())
	require.True(t, errors.Is(err, agent.ErrAgentNotFound))
	drv.assertConsumed(t)
}
