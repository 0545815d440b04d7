package sessionstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeeddms/pacemaker/internal/traceassembler"
)

func TestLoadSessionStateMissingFileReturnsFresh(t *testing.T) {
	st, err := LoadSessionState(t.TempDir(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Zero(t, st.LastPushedLine)
	assert.Empty(t, st.PendingTrace)
}

func TestSessionStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	st := &SessionState{
		SessionID:      "sess-1",
		UserID:         "user@example.com",
		CurrentTraceID: "sess-1-turn-abcd1234",
		TraceStartLine: 7,
		LastPushedLine: 12,
		PendingTrace: []traceassembler.BatchEvent{
			traceassembler.NewTraceCreateEvent(now, traceassembler.TraceBody{ID: "t", SessionID: "sess-1"}),
		},
		SessionCounted: true,
	}
	require.NoError(t, SaveSessionState(dir, st))

	got, err := LoadSessionState(dir, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1-turn-abcd1234", got.CurrentTraceID)
	assert.Equal(t, 7, got.TraceStartLine)
	assert.Equal(t, 12, got.LastPushedLine)
	assert.Len(t, got.PendingTrace, 1)
	assert.True(t, got.SessionCounted)
}

func TestCorruptSessionStateReturnsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.json"), []byte("{torn write"), 0o644))

	st, err := LoadSessionState(dir, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Zero(t, st.LastPushedLine)
}

func TestSaveIsAtomicNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveSessionState(dir, &SessionState{SessionID: "sess-1"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sess-1.json", entries[0].Name())
}

func TestDeleteSessionState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveSessionState(dir, &SessionState{SessionID: "sess-1"}))
	require.NoError(t, DeleteSessionState(dir, "sess-1"))
	require.NoError(t, DeleteSessionState(dir, "sess-1")) // idempotent
}

func TestHookStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook-state.json")

	st := &HookState{
		LastUsagePollAt:    time.Now().UTC().Format(time.RFC3339),
		InSubagent:         true,
		SubagentCounter:    2,
		ToolExecutionCount: 9,
		Subagents: map[string]SubagentHookEntry{
			"A1": {TraceID: "trace-a1", ParentTranscriptPath: "/tmp/parent.jsonl"},
		},
	}
	require.NoError(t, SaveHookState(path, st))

	got, err := LoadHookState(path)
	require.NoError(t, err)
	assert.True(t, got.InSubagent)
	assert.Equal(t, 2, got.SubagentCounter)
	assert.Equal(t, 9, got.ToolExecutionCount)
	assert.Equal(t, "trace-a1", got.Subagents["A1"].TraceID)
	assert.False(t, got.LastUsagePollTime().IsZero())
	assert.True(t, got.LastCleanupTime().IsZero())
}

func TestLoadHookStateMissingReturnsZero(t *testing.T) {
	st, err := LoadHookState(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.False(t, st.InSubagent)
	assert.Zero(t, st.SubagentCounter)
}

func TestCurrentSubagent(t *testing.T) {
	st := &HookState{
		InSubagent: true,
		Subagents:  map[string]SubagentHookEntry{"A1": {TraceID: "trace-a1"}},
	}
	entry, ok := st.CurrentSubagent("A1")
	require.True(t, ok)
	assert.Equal(t, "trace-a1", entry.TraceID)

	_, ok = st.CurrentSubagent("A2")
	assert.False(t, ok)

	st.InSubagent = false
	_, ok = st.CurrentSubagent("A1")
	assert.False(t, ok)
}
