package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/portalctl/internal/history"
)

func exitCode(v int) *int { return &v }

func TestSQLiteSink_FileDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventProcessStart, OccurredAt: now, RunID: "run-1", Package: "App.X", PID: 42}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventProcessExit, OccurredAt: now, RunID: "run-1", Package: "App.X", PID: 42, ExitCode: exitCode(137)}))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_history WHERE run_id = ?", "run-1").Scan(&count))
	assert.Equal(t, 2, count)

	var code int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT exit_code FROM run_history WHERE event = ?", string(history.EventProcessExit)).Scan(&code))
	assert.Equal(t, 137, code)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventWatchdog, OccurredAt: time.Now(), RunID: "run-2", Package: "App.X"}))

	var event string
	var exit *int
	require.NoError(t, sink.db.QueryRow("SELECT event, exit_code FROM run_history").Scan(&event, &exit))
	assert.Equal(t, "watchdog", event)
	assert.Nil(t, exit)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Send(ctx, history.Event{Type: history.EventRunEnd, OccurredAt: time.Now(), RunID: "run-3", Package: "App.X"})
	assert.Error(t, err)
}
