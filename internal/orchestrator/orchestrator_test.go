package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeeddms/pacemaker/internal/pacecfg"
	"github.com/lightspeeddms/pacemaker/internal/pacepaths"
	"github.com/lightspeeddms/pacemaker/internal/pushclient"
	"github.com/lightspeeddms/pacemaker/internal/secretsvault"
	"github.com/lightspeeddms/pacemaker/internal/sessionstate"
	"github.com/lightspeeddms/pacemaker/internal/store"
	"github.com/lightspeeddms/pacemaker/internal/usageapi"
)

// ingestionRecorder is a fake Langfuse ingestion endpoint that acknowledges
// every event and remembers what it received.
type ingestionRecorder struct {
	mu      sync.Mutex
	batches [][]map[string]interface{}
	fail    bool
}

func (rec *ingestionRecorder) handler(w http.ResponseWriter, r *http.Request) {
	if rec.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var req struct {
		Batch []map[string]interface{} `json:"batch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rec.mu.Lock()
	rec.batches = append(rec.batches, req.Batch)
	rec.mu.Unlock()

	resp := map[string]interface{}{"successes": []map[string]string{}, "errors": []map[string]string{}}
	for _, ev := range req.Batch {
		id, _ := ev["id"].(string)
		resp["successes"] = append(resp["successes"].([]map[string]string), map[string]string{"id": id})
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// allEvents flattens every recorded batch into one event list.
func (rec *ingestionRecorder) allEvents() []map[string]interface{} {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []map[string]interface{}
	for _, b := range rec.batches {
		out = append(out, b...)
	}
	return out
}

func (rec *ingestionRecorder) requestCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.batches)
}

// findEvent returns the first recorded event matching pred.
func (rec *ingestionRecorder) findEvent(pred func(eventType string, body map[string]interface{}) bool) (map[string]interface{}, bool) {
	for _, ev := range rec.allEvents() {
		eventType, _ := ev["type"].(string)
		body, _ := ev["body"].(map[string]interface{})
		if body != nil && pred(eventType, body) {
			return ev, true
		}
	}
	return nil, false
}

type testHarness struct {
	o     *Orchestrator
	rec   *ingestionRecorder
	paths pacepaths.Paths
	slept []time.Duration
	now   time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	paths := pacepaths.New(t.TempDir())
	require.NoError(t, paths.EnsureDirs())

	st, err := store.Open(paths.Database())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vault, err := secretsvault.Open(paths.SecretsDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vault.Close() })

	rec := &ingestionRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(srv.Close)

	h := &testHarness{
		rec:   rec,
		paths: paths,
		now:   time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	h.o = &Orchestrator{
		Store:  st,
		Vault:  vault,
		Paths:  paths,
		Config: pacecfg.Default(),
		Push:   pushclient.New(srv.URL, "pk-test", "sk-test", zerolog.Nop()),
		Log:    zerolog.Nop(),
		Clock:  func() time.Time { return h.now },
		Sleep:  func(d time.Duration) { h.slept = append(h.slept, d) },
	}
	return h
}

func (h *testHarness) writeTranscript(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(h.paths.Root, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func (h *testHarness) sessionState(t *testing.T, key string) *sessionstate.SessionState {
	t.Helper()
	st, err := sessionstate.LoadSessionState(h.paths.LangfuseStateDir(), key)
	require.NoError(t, err)
	return st
}

func (h *testHarness) hookState(t *testing.T) *sessionstate.HookState {
	t.Helper()
	st, err := sessionstate.LoadHookState(h.paths.HookStateFile())
	require.NoError(t, err)
	return st
}

func assistantText(uuid, text string) string {
	b, _ := json.Marshal(text)
	return fmt.Sprintf(`{"type":"assistant","uuid":%q,"timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":%s}],"usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":10}}}`, uuid, string(b))
}

const userPromptLine = `{"type":"user","uuid":"u1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"Use this API key: sk-test-abc123def456"}}`

func TestUserPromptSubmitStagesWithoutPushing(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	d := h.o.HandleUserPromptSubmit(context.Background(), HookEvent{
		SessionID:      "sess-1",
		TranscriptPath: transcript,
		Prompt:         "Use this API key: sk-test-abc123def456",
	})
	assert.Equal(t, 0, d.ExitCode)

	st := h.sessionState(t, "sess-1")
	assert.NotEmpty(t, st.CurrentTraceID)
	assert.Regexp(t, `^sess-1-turn-[0-9a-f]{8}$`, st.CurrentTraceID)
	assert.Len(t, st.PendingTrace, 1)
	assert.Equal(t, 1, st.TraceStartLine)
	assert.Zero(t, h.rec.requestCount(), "prompt submit must not push")
}

func TestSecondPromptFlushesStalePending(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	ev := HookEvent{SessionID: "sess-1", TranscriptPath: transcript, Prompt: "first"}
	h.o.HandleUserPromptSubmit(context.Background(), ev)
	first := h.sessionState(t, "sess-1").CurrentTraceID

	ev.Prompt = "second"
	h.o.HandleUserPromptSubmit(context.Background(), ev)

	// The first turn's trace was pushed before the second was staged.
	assert.Equal(t, 1, h.rec.requestCount())
	_, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == first
	})
	assert.True(t, found)

	st := h.sessionState(t, "sess-1")
	assert.Len(t, st.PendingTrace, 1)
	assert.NotEqual(t, first, st.CurrentTraceID)
}

func TestDeferredPushWithSecrets(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	h.o.HandleUserPromptSubmit(context.Background(), HookEvent{
		SessionID:      "sess-b",
		TranscriptPath: transcript,
		Prompt:         "Use this API key: sk-test-abc123def456",
	})
	traceID := h.sessionState(t, "sess-b").CurrentTraceID

	// The assistant declares the secret in the same turn.
	h.writeTranscript(t, "t.jsonl", userPromptLine,
		assistantText("a1", "Storing it.\n🔐 SECRET_TEXT: sk-test-abc123def456"))

	h.o.HandlePostToolUse(context.Background(), HookEvent{
		SessionID:      "sess-b",
		TranscriptPath: transcript,
	})

	// Exactly one vault row with the raw value.
	secrets, err := h.o.Vault.List()
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.Equal(t, "sk-test-abc123def456", secrets[0].Value)

	// The pushed trace's input is masked.
	ev, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == traceID
	})
	require.True(t, found)
	body := ev["body"].(map[string]interface{})
	input, _ := body["input"].(string)
	assert.Contains(t, input, "*** MASKED ***")
	assert.NotContains(t, input, "sk-test-abc123def456")

	// No event anywhere carries the raw value.
	for _, ev := range h.rec.allEvents() {
		raw, _ := json.Marshal(ev)
		assert.NotContains(t, string(raw), "sk-test-abc123def456")
	}

	st := h.sessionState(t, "sess-b")
	assert.Empty(t, st.PendingTrace, "pending cleared after push attempt")
	assert.Equal(t, 2, st.LastPushedLine)
}

func TestPostToolUseMetricsAccounting(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	h.o.HandleUserPromptSubmit(context.Background(), HookEvent{
		SessionID: "sess-1", TranscriptPath: transcript, Prompt: "hi",
	})
	h.writeTranscript(t, "t.jsonl", userPromptLine,
		assistantText("a1", "Working on it."))
	h.o.HandlePostToolUse(context.Background(), HookEvent{
		SessionID: "sess-1", TranscriptPath: transcript,
	})

	m, err := h.o.Store.Get24hMetrics(h.now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Sessions)
	assert.Equal(t, int64(1), m.Traces)
	// One text span pushed, one acknowledgment.
	assert.Equal(t, int64(1), m.Spans)
}

func TestPostToolUseDirectToolResponseSpan(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	h.o.HandleUserPromptSubmit(context.Background(), HookEvent{
		SessionID: "sess-1", TranscriptPath: transcript, Prompt: "run it",
	})
	traceID := h.sessionState(t, "sess-1").CurrentTraceID

	h.o.HandlePostToolUse(context.Background(), HookEvent{
		SessionID:      "sess-1",
		TranscriptPath: transcript,
		ToolName:       "Bash",
		ToolInput:      json.RawMessage(`{"command":"env"}`),
		ToolResponse:   json.RawMessage(`"password=hunter2 and more"`),
	})

	ev, found := h.rec.findEvent(func(eventType string, body map[string]interface{}) bool {
		return eventType == "span-create" && body["name"] == "Tool - Bash"
	})
	require.True(t, found)
	body := ev["body"].(map[string]interface{})
	assert.Equal(t, traceID, body["traceId"])
	// The direct tool_response ran through the assembler's credential filter.
	output, _ := body["output"].(string)
	assert.Contains(t, output, "password=[REDACTED]")
	assert.NotContains(t, output, "hunter2")
}

func TestPushFailureStillAdvancesLinePointer(t *testing.T) {
	h := newHarness(t)
	h.rec.fail = true
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	h.o.HandleUserPromptSubmit(context.Background(), HookEvent{
		SessionID: "sess-d", TranscriptPath: transcript, Prompt: "hi",
	})
	h.writeTranscript(t, "t.jsonl", userPromptLine,
		assistantText("a1", "Response one."))

	h.o.HandlePostToolUse(context.Background(), HookEvent{
		SessionID: "sess-d", TranscriptPath: transcript,
	})
	st := h.sessionState(t, "sess-d")
	assert.Equal(t, 2, st.LastPushedLine, "pointer advances even when the push fails")
	assert.Empty(t, st.PendingTrace)

	// The next post-tool-use starts past those lines: nothing re-emitted.
	h.rec.fail = false
	h.o.HandlePostToolUse(context.Background(), HookEvent{
		SessionID: "sess-d", TranscriptPath: transcript,
	})
	assert.Zero(t, h.rec.requestCount())
	assert.Equal(t, 2, h.sessionState(t, "sess-d").LastPushedLine)
}

func TestIntelAttachesToCurrentTrace(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	h.o.HandleUserPromptSubmit(context.Background(), HookEvent{
		SessionID: "sess-f", TranscriptPath: transcript, Prompt: "fix the bug",
	})
	traceID := h.sessionState(t, "sess-f").CurrentTraceID

	h.writeTranscript(t, "t.jsonl", userPromptLine,
		assistantText("a1", "Done.\n§ △0.8 ◎surg ■bug ◇0.7 ↻2"))

	h.o.HandlePostToolUse(context.Background(), HookEvent{
		SessionID: "sess-f", TranscriptPath: transcript,
	})

	ev, found := h.rec.findEvent(func(eventType string, body map[string]interface{}) bool {
		if body["id"] != traceID {
			return false
		}
		md, _ := body["metadata"].(map[string]interface{})
		return md != nil && md["intel_frustration"] != nil
	})
	require.True(t, found, "intel upsert must target the current trace")
	md := ev["body"].(map[string]interface{})["metadata"].(map[string]interface{})
	assert.Equal(t, 0.8, md["intel_frustration"])
	assert.Equal(t, "surg", md["intel_specificity"])
	assert.Equal(t, "bug", md["intel_task_type"])
	assert.Equal(t, 0.7, md["intel_quality"])
	assert.Equal(t, float64(2), md["intel_iteration"])
}

func TestStopFinalizeStripsIntelAndEmitsGeneration(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	h.o.HandleUserPromptSubmit(context.Background(), HookEvent{
		SessionID: "sess-f", TranscriptPath: transcript, Prompt: "fix the bug",
	})
	traceID := h.sessionState(t, "sess-f").CurrentTraceID

	h.writeTranscript(t, "t.jsonl", userPromptLine,
		assistantText("a1", "All fixed now.\n§ △0.8 ◎surg ■bug ◇0.7 ↻2"))

	d := h.o.HandleStop(context.Background(), HookEvent{
		SessionID: "sess-f", TranscriptPath: transcript,
	})
	assert.Equal(t, 0, d.ExitCode)
	assert.False(t, d.Block)

	ev, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == traceID && body["output"] != nil
	})
	require.True(t, found)
	output := ev["body"].(map[string]interface{})["output"].(string)
	assert.Equal(t, "All fixed now.", output)
	assert.NotContains(t, output, "§")

	gen, found := h.rec.findEvent(func(eventType string, body map[string]interface{}) bool {
		return eventType == "generation-create"
	})
	require.True(t, found, "tokens were spent, a generation must be emitted")
	usage := gen["body"].(map[string]interface{})["usage"].(map[string]interface{})
	assert.Equal(t, float64(100), usage["input"])
	assert.Equal(t, float64(20), usage["output"])
	assert.Equal(t, float64(120), usage["total"])
	assert.Equal(t, float64(10), usage["cache_read"])
}

func TestStopContextExhaustionBypassesChecks(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"Prompt is too long"}]}}`)

	d := h.o.HandleStop(context.Background(), HookEvent{
		SessionID: "sess-e", TranscriptPath: transcript,
	})
	assert.Equal(t, 0, d.ExitCode)
	assert.False(t, d.Block)
	assert.Zero(t, h.rec.requestCount(), "context exhaustion skips finalization entirely")
}

func TestStopSilentToolNudgeBounded(t *testing.T) {
	h := newHarness(t)
	h.o.Config.MaxSilentToolNudges = 2
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu1","name":"Bash","input":{}}]}}`)

	ev := HookEvent{SessionID: "sess-1", TranscriptPath: transcript}

	d := h.o.HandleStop(context.Background(), ev)
	assert.True(t, d.Block)
	assert.Equal(t, 2, d.ExitCode)

	d = h.o.HandleStop(context.Background(), ev)
	assert.True(t, d.Block)

	// Third silent stop exceeds the bound: give up nudging.
	d = h.o.HandleStop(context.Background(), ev)
	assert.False(t, d.Block)
	assert.Equal(t, 0, d.ExitCode)
}

func TestPreToolUseBlockRecordsCategory(t *testing.T) {
	h := newHarness(t)
	h.o.Validator = stubValidator{ValidationResult{Approved: false, Feedback: "write the test first", TDDFailure: true}}

	d := h.o.HandlePreToolUse(context.Background(), HookEvent{SessionID: "sess-1", ToolName: "Edit"})
	assert.True(t, d.Block)
	assert.Equal(t, 2, d.ExitCode)
	assert.Equal(t, "write the test first", d.Reason)
}

func TestPreToolUseDefaultsToAllow(t *testing.T) {
	h := newHarness(t)
	d := h.o.HandlePreToolUse(context.Background(), HookEvent{SessionID: "sess-1", ToolName: "Edit"})
	assert.False(t, d.Block)
	assert.Equal(t, 0, d.ExitCode)
}

type stubValidator struct{ res ValidationResult }

func (s stubValidator) Validate(context.Context, HookEvent) ValidationResult { return s.res }

const parentTaskLine = `{"type":"assistant","uuid":"a1","timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu1","name":"Task","input":{"prompt":"research quantum"}}]}}`

func TestConcurrentSubagentFinalization(t *testing.T) {
	h := newHarness(t)
	parent := h.writeTranscript(t, "parent.jsonl", userPromptLine, parentTaskLine)
	a1Transcript := h.writeTranscript(t, "agent-a1.jsonl", assistantText("s1", "A1 final answer"))
	a2Transcript := h.writeTranscript(t, "agent-a2.jsonl", assistantText("s2", "A2 final answer"))

	base := HookEvent{SessionID: "sess-c", TranscriptPath: parent}

	ev := base
	ev.AgentID, ev.AgentType = "A1", "researcher"
	h.o.HandleSubagentStart(context.Background(), ev)

	ev = base
	ev.AgentID, ev.AgentType = "A2", "researcher"
	h.o.HandleSubagentStart(context.Background(), ev)

	hs := h.hookState(t)
	assert.Equal(t, 2, hs.SubagentCounter)
	assert.True(t, hs.InSubagent)
	assert.Len(t, h.sessionState(t, "sess-c").SubagentTraces, 2)
	a1Trace := hs.Subagents["A1"].TraceID
	a2Trace := hs.Subagents["A2"].TraceID
	assert.NotEqual(t, a1Trace, a2Trace)
	assert.Regexp(t, `^sess-c-subagent-researcher-[0-9a-f]{8}$`, a1Trace)

	// Subagent traces share the parent session id and carry the task prompt.
	created, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == a1Trace
	})
	require.True(t, found)
	assert.Equal(t, "sess-c", created["body"].(map[string]interface{})["sessionId"])
	assert.Equal(t, "research quantum", created["body"].(map[string]interface{})["input"])

	// A2 stops first; A1's trace must not receive A2's output.
	ev = base
	ev.AgentID, ev.AgentTranscriptPath = "A2", a2Transcript
	h.o.HandleSubagentStop(context.Background(), ev)

	ev = base
	ev.AgentID, ev.AgentTranscriptPath = "A1", a1Transcript
	h.o.HandleSubagentStop(context.Background(), ev)

	a1Final, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == a1Trace && body["output"] != nil
	})
	require.True(t, found)
	assert.Equal(t, "A1 final answer", a1Final["body"].(map[string]interface{})["output"])

	a2Final, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == a2Trace && body["output"] != nil
	})
	require.True(t, found)
	assert.Equal(t, "A2 final answer", a2Final["body"].(map[string]interface{})["output"])

	hs = h.hookState(t)
	assert.Equal(t, 0, hs.SubagentCounter)
	assert.False(t, hs.InSubagent)
	assert.Empty(t, hs.Subagents)
	assert.Empty(t, h.sessionState(t, "sess-c").SubagentTraces)
}

func TestSubagentStopSurvivesLostHookState(t *testing.T) {
	h := newHarness(t)
	parent := h.writeTranscript(t, "parent.jsonl", userPromptLine, parentTaskLine)
	a1Transcript := h.writeTranscript(t, "agent-a1.jsonl", assistantText("s1", "A1 final answer"))

	ev := HookEvent{SessionID: "sess-c", TranscriptPath: parent, AgentID: "A1", AgentType: "worker"}
	h.o.HandleSubagentStart(context.Background(), ev)
	traceID := h.hookState(t).Subagents["A1"].TraceID

	// Simulate the hook-state file being wiped mid-run; the parent session's
	// mirror still resolves the trace.
	require.NoError(t, sessionstate.SaveHookState(h.paths.HookStateFile(), &sessionstate.HookState{}))

	ev.AgentTranscriptPath = a1Transcript
	h.o.HandleSubagentStop(context.Background(), ev)

	final, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == traceID && body["output"] != nil
	})
	require.True(t, found)
	assert.Equal(t, "A1 final answer", final["body"].(map[string]interface{})["output"])
	assert.Empty(t, h.sessionState(t, "sess-c").SubagentTraces)
}

func TestSubagentStopFallsBackToParentToolResult(t *testing.T) {
	h := newHarness(t)
	parent := h.writeTranscript(t, "parent.jsonl", userPromptLine, parentTaskLine,
		`{"type":"user","uuid":"u2","timestamp":"2026-08-01T10:01:00Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu1","content":"parent-visible result\nagentId: A1"}]}}`)

	ev := HookEvent{SessionID: "sess-c", TranscriptPath: parent, AgentID: "A1", AgentType: "worker"}
	h.o.HandleSubagentStart(context.Background(), ev)
	traceID := h.hookState(t).Subagents["A1"].TraceID

	// No agent transcript available: the parent's agentId-matched tool_result
	// is the fallback.
	h.o.HandleSubagentStop(context.Background(), ev)

	final, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == traceID && body["output"] != nil
	})
	require.True(t, found)
	assert.Contains(t, final["body"].(map[string]interface{})["output"], "parent-visible result")
}

func TestSubagentStopCounterBoundedAtZero(t *testing.T) {
	h := newHarness(t)
	parent := h.writeTranscript(t, "parent.jsonl", userPromptLine)

	// A stop with no matching start must not drive the counter negative.
	h.o.HandleSubagentStop(context.Background(), HookEvent{
		SessionID: "sess-1", TranscriptPath: parent, AgentID: "ghost",
	})
	hs := h.hookState(t)
	assert.Equal(t, 0, hs.SubagentCounter)
	assert.False(t, hs.InSubagent)
}

func TestSubagentStopFlushesParentPending(t *testing.T) {
	h := newHarness(t)
	parent := h.writeTranscript(t, "parent.jsonl", userPromptLine, parentTaskLine)

	h.o.HandleUserPromptSubmit(context.Background(), HookEvent{
		SessionID: "sess-c", TranscriptPath: parent, Prompt: "go research",
	})
	parentTrace := h.sessionState(t, "sess-c").CurrentTraceID

	ev := HookEvent{SessionID: "sess-c", TranscriptPath: parent, AgentID: "A1", AgentType: "worker"}
	h.o.HandleSubagentStart(context.Background(), ev)
	h.o.HandleSubagentStop(context.Background(), ev)

	// The parent's staged trace was pushed during subagent_stop, since the
	// parent's own post-tool-use never ran.
	_, found := h.rec.findEvent(func(_ string, body map[string]interface{}) bool {
		return body["id"] == parentTrace
	})
	assert.True(t, found)
	assert.Empty(t, h.sessionState(t, "sess-c").PendingTrace)
}

func TestSessionStartResetsSubagentBookkeeping(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, sessionstate.SaveHookState(h.paths.HookStateFile(), &sessionstate.HookState{
		InSubagent:      true,
		SubagentCounter: 3,
		Subagents:       map[string]sessionstate.SubagentHookEntry{"stale": {TraceID: "t"}},
	}))

	h.o.HandleSessionStart(context.Background(), HookEvent{SessionID: "sess-1", Source: "startup"})

	hs := h.hookState(t)
	assert.Equal(t, 0, hs.SubagentCounter)
	assert.False(t, hs.InSubagent)
	assert.Empty(t, hs.Subagents)
}

func TestThrottleSleepsAndRecordsPacingDecision(t *testing.T) {
	h := newHarness(t)
	transcript := h.writeTranscript(t, "t.jsonl", userPromptLine)

	// A fake usage API far enough over pace to throttle hard.
	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resets := h.now.Add(2 * time.Hour).Format(time.RFC3339)
		switch r.URL.Path {
		case "/api/oauth/usage":
			fmt.Fprintf(w, `{"five_hour":{"utilization":90,"resets_at":%q}}`, resets)
		case "/api/oauth/profile":
			_, _ = w.Write([]byte(`{"account":{"email":"user@example.com"}}`))
		}
	}))
	t.Cleanup(usageSrv.Close)
	h.o.UsageClient = usageapi.NewClient(usageSrv.URL, "tok-test")

	h.o.HandlePostToolUse(context.Background(), HookEvent{
		SessionID: "sess-a", TranscriptPath: transcript,
	})

	require.Len(t, h.slept, 1)
	assert.Greater(t, h.slept[0], time.Duration(0))
	assert.LessOrEqual(t, h.slept[0], 350*time.Second)

	d, found, err := h.o.Store.LastPacingDecision("sess-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, d.ShouldThrottle)
	assert.GreaterOrEqual(t, d.DelaySeconds, 5)
	assert.LessOrEqual(t, d.DelaySeconds, 350)
}
