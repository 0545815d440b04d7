package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lightspeeddms/pacemaker/internal/intel"
	"github.com/lightspeeddms/pacemaker/internal/pacing"
	"github.com/lightspeeddms/pacemaker/internal/projectcontext"
	"github.com/lightspeeddms/pacemaker/internal/sessionstate"
	"github.com/lightspeeddms/pacemaker/internal/store"
	"github.com/lightspeeddms/pacemaker/internal/traceassembler"
	"github.com/lightspeeddms/pacemaker/internal/transcript"
)

// HandleSessionStart resets the process-wide subagent bookkeeping for a fresh
// session. subagent_counter is reset to 0 here and only here outside of
// subagent_stop.
func (o *Orchestrator) HandleSessionStart(ctx context.Context, ev HookEvent) Decision {
	hookState, err := sessionstate.LoadHookState(o.Paths.HookStateFile())
	if err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: load hook state")
		hookState = &sessionstate.HookState{}
	}
	// Close out any subagent traces a crashed prior session left open before
	// discarding their bookkeeping.
	o.FinalizeDanglingSubagents(ctx, hookState, ev.SessionID)
	hookState.SubagentCounter = 0
	hookState.InSubagent = false
	hookState.SilentToolNudges = 0
	hookState.Subagents = nil
	if err := sessionstate.SaveHookState(o.Paths.HookStateFile(), hookState); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save hook state")
	}
	o.Log.Info().Str("session_id", ev.SessionID).Str("source", ev.Source).Msg("session started")
	return Decision{HookEventName: "SessionStart"}
}

// HandleUserPromptSubmit stages (never pushes) the turn's trace, per the
// defer-and-sanitize invariant: a secret declared later in the same turn must
// still be maskable from this trace's input.
func (o *Orchestrator) HandleUserPromptSubmit(ctx context.Context, ev HookEvent) Decision {
	st, err := sessionstate.LoadSessionState(o.Paths.LangfuseStateDir(), ev.SessionID)
	if err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: load session state")
		return Decision{HookEventName: "UserPromptSubmit"}
	}

	// Two prompts without an intervening post-tool-use would otherwise lose
	// the first turn's trace.
	o.flushPendingTrace(ctx, st)

	traceID := traceassembler.NewTraceID(ev.SessionID)
	now := o.now()
	userID := o.resolveUserID(ctx, st)

	metadata := map[string]interface{}{}
	dir := ev.Cwd
	if dir == "" {
		dir = st.ProjectDir
	}
	if dir != "" {
		st.ProjectDir = dir
		for k, v := range projectcontext.Discover(dir).Metadata() {
			metadata[k] = v
		}
	}

	body := traceassembler.TraceBody{
		ID:        traceID,
		SessionID: ev.SessionID,
		Name:      truncatePrefix(ev.Prompt, 100),
		UserID:    userID,
		Timestamp: now.UTC().Format(time.RFC3339),
		Input:     ev.Prompt,
	}
	if len(metadata) > 0 {
		body.Metadata = metadata
	}

	st.CurrentTraceID = traceID
	st.TurnStartTime = now.UTC().Format(time.RFC3339)
	if res, err := transcript.ParseIncrementalLines(ev.TranscriptPath, 0); err == nil {
		st.TraceStartLine = res.LastLine
	}
	st.PendingTrace = []traceassembler.BatchEvent{traceassembler.NewTraceCreateEvent(now, body)}

	if err := sessionstate.SaveSessionState(o.Paths.LangfuseStateDir(), st); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save session state")
	}
	return Decision{HookEventName: "UserPromptSubmit"}
}

// HandlePreToolUse consults the external intent validator and maps its
// verdict onto the blockage-category taxonomy. With no validator wired it
// always allows.
func (o *Orchestrator) HandlePreToolUse(ctx context.Context, ev HookEvent) Decision {
	validator := o.Validator
	if validator == nil {
		validator = AlwaysApprove{}
	}
	res := validator.Validate(ctx, ev)
	if res.Approved {
		return Decision{HookEventName: "PreToolUse"}
	}

	category := store.CategoryIntentValidation
	switch {
	case res.TDDFailure:
		category = store.CategoryIntentValidationTDD
	case res.CleanCodeFailure:
		category = store.CategoryIntentValidationCleanCode
	}
	o.recordBlockage(category, res.Feedback, "pre_tool_use", ev.SessionID, ev.ToolName)
	return Decision{ExitCode: 2, Block: true, Reason: res.Feedback, HookEventName: "PreToolUse"}
}

// effectiveSession resolves which session state a post-tool-use should read
// and write: the parent's, or -- when a subagent is executing -- the
// subagent's own state keyed "subagent-<agent_id>", so last_pushed_line
// tracks the subagent's transcript position.
func (o *Orchestrator) effectiveSession(ev HookEvent, hookState *sessionstate.HookState) (stateKey, traceID, transcriptPath string, subagent bool) {
	stateKey = ev.SessionID
	transcriptPath = ev.TranscriptPath

	if !hookState.InSubagent || len(hookState.Subagents) == 0 {
		return stateKey, "", transcriptPath, false
	}
	agentID := ev.AgentID
	if agentID == "" && len(hookState.Subagents) == 1 {
		for id := range hookState.Subagents {
			agentID = id
		}
	}
	entry, ok := hookState.CurrentSubagent(agentID)
	if !ok || entry.TraceID == "" {
		return stateKey, "", transcriptPath, false
	}
	if ev.AgentTranscriptPath != "" {
		transcriptPath = ev.AgentTranscriptPath
	}
	return "subagent-" + agentID, entry.TraceID, transcriptPath, true
}

// HandlePostToolUse is the hot path: secrets, intel, pending-trace flush,
// span assembly, push, metrics, then pacing.
func (o *Orchestrator) HandlePostToolUse(ctx context.Context, ev HookEvent) Decision {
	now := o.now()

	hookState, err := sessionstate.LoadHookState(o.Paths.HookStateFile())
	if err != nil {
		hookState = &sessionstate.HookState{}
	}
	hookState.ToolExecutionCount++

	parentState, err := sessionstate.LoadSessionState(o.Paths.LangfuseStateDir(), ev.SessionID)
	if err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: load session state")
		parentState = &sessionstate.SessionState{SessionID: ev.SessionID}
	}

	// Secrets first: parsing must complete before any sanitize+push this hook
	// performs.
	o.storeSecrets(ev.TranscriptPath, assistantMessageWindowPostTool)

	// Intel attaches to the current trace -- it describes the current prompt.
	if parentState.CurrentTraceID != "" {
		if msgs, err := transcript.LastNAssistantMessages(ev.TranscriptPath, 1); err == nil && len(msgs) > 0 {
			if parsed, _ := intel.ParseAndStrip(msgs[0]); parsed != nil {
				upsert := traceassembler.NewTraceCreateEvent(now, traceassembler.TraceBody{
					ID:        parentState.CurrentTraceID,
					SessionID: ev.SessionID,
					Metadata:  parsed.ToMetadata(),
				})
				o.sanitizeAndPush(ctx, []traceassembler.BatchEvent{upsert})
			}
		}
	}

	o.flushPendingTrace(ctx, parentState)

	stateKey, subTraceID, transcriptPath, inSubagent := o.effectiveSession(ev, hookState)
	st := parentState
	traceID := parentState.CurrentTraceID
	if inSubagent {
		sub, err := sessionstate.LoadSessionState(o.Paths.LangfuseStateDir(), stateKey)
		if err == nil {
			st = sub
		}
		traceID = subTraceID
	}

	batch, maxLine := o.buildToolSpans(ev, st, traceID, transcriptPath, now)

	acked := 0
	if len(batch) > 0 {
		acked, _ = o.sanitizeAndPush(ctx, batch)
	}
	// Advance even when the push failed or timed out: duplicate publication
	// costs more than rare loss.
	if maxLine > st.LastPushedLine {
		st.LastPushedLine = maxLine
	}

	if o.Store != nil {
		if !st.SessionCounted && len(batch) > 0 {
			st.SessionCounted = true
			if err := o.Store.IncrementMetric("sessions", now); err != nil {
				o.Log.Warn().Err(err).Msg("orchestrator: sessions metric increment failed")
			}
		}
		if err := o.Store.IncrementMetricBy("spans", acked, now); err != nil {
			o.Log.Warn().Err(err).Msg("orchestrator: spans metric increment failed")
		}
	}

	if err := sessionstate.SaveSessionState(o.Paths.LangfuseStateDir(), st); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save session state")
	}
	if inSubagent && st != parentState {
		if err := sessionstate.SaveSessionState(o.Paths.LangfuseStateDir(), parentState); err != nil {
			o.Log.Warn().Err(err).Msg("orchestrator: save parent session state")
		}
	}

	decision := o.runPacing(ctx, ev.SessionID, hookState)
	if decision.ShouldThrottle {
		delay := decision.DelaySeconds
		if delay > pacing.DefaultMaxDelaySeconds {
			delay = pacing.DefaultMaxDelaySeconds
		}
		hookState.LastDelaySecs = delay
		o.recordBlockage(store.CategoryPacingQuota,
			fmt.Sprintf("over pace on %s window", decision.ConstrainedBy),
			"post_tool_use", ev.SessionID, fmt.Sprintf("delay_seconds=%d", delay))
		o.Log.Info().Int("delay_seconds", delay).Str("window", decision.ConstrainedBy).Msg("pacing throttle")
		o.sleep(time.Duration(delay) * time.Second)
	}

	if err := sessionstate.SaveHookState(o.Paths.HookStateFile(), hookState); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save hook state")
	}
	return Decision{HookEventName: "PostToolUse"}
}

// buildToolSpans assembles the span batch for one tool execution: either the
// single span the hook event carries directly, or one span per text/tool_use
// block appended to the transcript since last_pushed_line.
func (o *Orchestrator) buildToolSpans(ev HookEvent, st *sessionstate.SessionState, traceID, transcriptPath string, now time.Time) ([]traceassembler.BatchEvent, int) {
	if traceID == "" {
		return nil, st.LastPushedLine
	}
	maxLine := st.LastPushedLine

	if len(ev.ToolResponse) > 0 {
		output := renderToolValue(toString(ev.ToolResponse))
		filtered := traceassembler.FilterToolResult(output, 0, true)
		span := traceassembler.NewToolSpanEvent(now, traceID, ev.ToolName, toString(ev.ToolInput), filtered, now, now)
		if res, err := transcript.ParseIncrementalLines(transcriptPath, st.LastPushedLine); err == nil && res.LastLine > maxLine {
			maxLine = res.LastLine
		}
		return []traceassembler.BatchEvent{span}, maxLine
	}

	blocks, err := transcript.ExtractContentBlocks(transcriptPath, st.LastPushedLine)
	if err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: extract content blocks")
		return nil, maxLine
	}
	var batch []traceassembler.BatchEvent
	for _, b := range blocks {
		if b.LineNumber > maxLine {
			maxLine = b.LineNumber
		}
		ts := parseBlockTime(b.Timestamp, now)
		switch b.ContentType {
		case transcript.ContentText:
			batch = append(batch, traceassembler.NewTextSpanEvent(now, traceID, b.Text, ts, ts))
		case transcript.ContentToolUse:
			input := toString(b.ToolInput)
			batch = append(batch, traceassembler.NewToolSpanEvent(now, traceID, b.ToolName, input, nil, ts, ts))
		}
	}
	if res, err := transcript.ParseIncrementalLines(transcriptPath, st.LastPushedLine); err == nil && res.LastLine > maxLine {
		maxLine = res.LastLine
	}
	return batch, maxLine
}

func parseBlockTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return t
}

// renderToolValue flattens a decoded tool response to the string the filter
// operates on.
func renderToolValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

// HandleSubagentStart registers a new concurrently-running subagent: its own
// trace (shared sessionId, its own trace id), its own state file, and a
// hook-state entry keyed by agent id.
func (o *Orchestrator) HandleSubagentStart(ctx context.Context, ev HookEvent) Decision {
	now := o.now()

	hookState, err := sessionstate.LoadHookState(o.Paths.HookStateFile())
	if err != nil {
		hookState = &sessionstate.HookState{}
	}
	hookState.SubagentCounter++
	hookState.InSubagent = hookState.SubagentCounter > 0

	agentName := ev.AgentType
	if agentName == "" {
		agentName = "task"
	}
	traceID := traceassembler.NewSubagentTraceID(ev.SessionID, agentName)
	taskPrompt := extractTaskPrompt(ev.TranscriptPath)

	create := traceassembler.NewTraceCreateEvent(now, traceassembler.TraceBody{
		ID:        traceID,
		SessionID: ev.SessionID,
		Name:      truncatePrefix(taskPrompt, 100),
		Timestamp: now.UTC().Format(time.RFC3339),
		Input:     taskPrompt,
	})
	o.sanitizeAndPush(ctx, []traceassembler.BatchEvent{create})

	subState := &sessionstate.SessionState{
		SessionID:      "subagent-" + ev.AgentID,
		CurrentTraceID: traceID,
		TurnStartTime:  now.UTC().Format(time.RFC3339),
	}
	if err := sessionstate.SaveSessionState(o.Paths.LangfuseStateDir(), subState); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save subagent state")
	}

	entry := sessionstate.SubagentHookEntry{
		TraceID:              traceID,
		ParentTranscriptPath: ev.TranscriptPath,
	}
	if hookState.Subagents == nil {
		hookState.Subagents = map[string]sessionstate.SubagentHookEntry{}
	}
	hookState.Subagents[ev.AgentID] = entry
	if err := sessionstate.SaveHookState(o.Paths.HookStateFile(), hookState); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save hook state")
	}

	// Mirror the entry onto the parent session's state so the trace can
	// still be finalized if the hook-state file is lost mid-run.
	if parentState, err := sessionstate.LoadSessionState(o.Paths.LangfuseStateDir(), ev.SessionID); err == nil {
		if parentState.SubagentTraces == nil {
			parentState.SubagentTraces = map[string]sessionstate.SubagentHookEntry{}
		}
		parentState.SubagentTraces[ev.AgentID] = entry
		if err := sessionstate.SaveSessionState(o.Paths.LangfuseStateDir(), parentState); err != nil {
			o.Log.Warn().Err(err).Msg("orchestrator: save parent session state")
		}
	}
	return Decision{HookEventName: "SubagentStart"}
}

// HandleSubagentStop finalizes the stopping subagent's own trace and flushes
// the parent's pending trace, which has had no push opportunity while the
// subagent ran.
func (o *Orchestrator) HandleSubagentStop(ctx context.Context, ev HookEvent) Decision {
	now := o.now()

	hookState, err := sessionstate.LoadHookState(o.Paths.HookStateFile())
	if err != nil {
		hookState = &sessionstate.HookState{}
	}
	if hookState.SubagentCounter > 0 {
		hookState.SubagentCounter--
	}
	hookState.InSubagent = hookState.SubagentCounter > 0

	parentState, perr := sessionstate.LoadSessionState(o.Paths.LangfuseStateDir(), ev.SessionID)

	// The hook-state map is authoritative; the parent session's mirror covers
	// a lost or reset hook-state file.
	entry, ok := hookState.Subagents[ev.AgentID]
	if !ok && perr == nil {
		entry, ok = parentState.SubagentTraces[ev.AgentID]
	}
	if ok {
		output := o.subagentOutput(ev, entry)
		upsert := traceassembler.NewTraceCreateEvent(now, traceassembler.TraceBody{
			ID:        entry.TraceID,
			SessionID: ev.SessionID,
			Output:    output,
			EndTime:   now.UTC().Format(time.RFC3339),
		})
		o.sanitizeAndPush(ctx, []traceassembler.BatchEvent{upsert})
		delete(hookState.Subagents, ev.AgentID)
	}

	if perr == nil {
		delete(parentState.SubagentTraces, ev.AgentID)
		o.flushPendingTrace(ctx, parentState)
		if err := sessionstate.SaveSessionState(o.Paths.LangfuseStateDir(), parentState); err != nil {
			o.Log.Warn().Err(err).Msg("orchestrator: save parent session state")
		}
	}

	if err := sessionstate.DeleteSessionState(o.Paths.LangfuseStateDir(), "subagent-"+ev.AgentID); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: delete subagent state")
	}
	if err := sessionstate.SaveHookState(o.Paths.HookStateFile(), hookState); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save hook state")
	}
	return Decision{HookEventName: "SubagentStop"}
}

// subagentOutput prefers the subagent's own transcript, which already
// contains the final message when the stop hook fires; the parent's
// tool_result block is the fallback, filtered by agentId so a concurrent
// sibling's output is never picked up.
func (o *Orchestrator) subagentOutput(ev HookEvent, entry sessionstate.SubagentHookEntry) string {
	if ev.AgentTranscriptPath != "" {
		if msgs, err := transcript.LastNAssistantMessages(ev.AgentTranscriptPath, 1); err == nil && len(msgs) > 0 {
			_, stripped := intel.ParseAndStrip(msgs[0])
			return stripped
		}
	}
	if ev.LastAssistantMessage != "" {
		_, stripped := intel.ParseAndStrip(ev.LastAssistantMessage)
		return stripped
	}
	parent := entry.ParentTranscriptPath
	if parent == "" {
		parent = ev.TranscriptPath
	}
	if text, ok := transcript.FindToolResultByAgentID(parent, ev.AgentID); ok {
		return text
	}
	return ""
}

// FinalizeDanglingSubagents pushes an endTime-only upsert for every subagent
// the hook-state map still tracks, concurrently. Used at session start so a
// crashed subagent-stop doesn't leave its trace open forever.
func (o *Orchestrator) FinalizeDanglingSubagents(ctx context.Context, hookState *sessionstate.HookState, sessionID string) {
	if len(hookState.Subagents) == 0 {
		return
	}
	now := o.now()
	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range hookState.Subagents {
		entry := entry
		g.Go(func() error {
			upsert := traceassembler.NewTraceCreateEvent(now, traceassembler.TraceBody{
				ID:        entry.TraceID,
				SessionID: sessionID,
				EndTime:   now.UTC().Format(time.RFC3339),
			})
			o.sanitizeAndPush(gctx, []traceassembler.BatchEvent{upsert})
			return nil
		})
	}
	_ = g.Wait()
	hookState.Subagents = nil
}

// HandleStop finalizes the turn's trace. Context exhaustion bypasses the
// tempo/silent-tool checks entirely; a silent tool stop emits a bounded
// continuation nudge instead of finalizing.
func (o *Orchestrator) HandleStop(ctx context.Context, ev HookEvent) Decision {
	now := o.now()

	if exhausted, _ := transcript.IsContextExhausted(ev.TranscriptPath); exhausted {
		o.Log.Info().Str("session_id", ev.SessionID).Msg("context exhausted, skipping stop checks")
		return Decision{HookEventName: "Stop"}
	}

	hookState, err := sessionstate.LoadHookState(o.Paths.HookStateFile())
	if err != nil {
		hookState = &sessionstate.HookState{}
	}

	if silent, _ := transcript.IsSilentToolStop(ev.TranscriptPath); silent &&
		hookState.SilentToolNudges < o.Config.MaxSilentToolNudges {
		hookState.SilentToolNudges++
		if err := sessionstate.SaveHookState(o.Paths.HookStateFile(), hookState); err != nil {
			o.Log.Warn().Err(err).Msg("orchestrator: save hook state")
		}
		reason := "The last action was a tool call with no summary. Review the tool result and finish your response."
		o.recordBlockage(store.CategoryPacingTempo, reason, "stop", ev.SessionID, "silent_tool_stop")
		return Decision{ExitCode: 2, Block: true, Reason: reason, HookEventName: "Stop"}
	}

	st, err := sessionstate.LoadSessionState(o.Paths.LangfuseStateDir(), ev.SessionID)
	if err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: load session state")
		return Decision{HookEventName: "Stop"}
	}

	o.flushPendingTrace(ctx, st)
	o.storeSecrets(ev.TranscriptPath, assistantMessageWindowStop)

	if st.CurrentTraceID != "" {
		batch, maxLine := o.buildFinalizeBatch(ev, st, now)
		if len(batch) > 0 {
			o.sanitizeAndPush(ctx, batch)
		}
		if maxLine > st.LastPushedLine {
			st.LastPushedLine = maxLine
		}
	}

	hookState.SilentToolNudges = 0
	if err := sessionstate.SaveHookState(o.Paths.HookStateFile(), hookState); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save hook state")
	}
	if err := sessionstate.SaveSessionState(o.Paths.LangfuseStateDir(), st); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: save session state")
	}
	return Decision{HookEventName: "Stop"}
}

// buildFinalizeBatch assembles the end-of-turn upsert: the last non-empty
// assistant text (intel line stripped) as output, the turn's accumulated
// token usage as metadata, and a generation event when any tokens were spent.
func (o *Orchestrator) buildFinalizeBatch(ev HookEvent, st *sessionstate.SessionState, now time.Time) ([]traceassembler.BatchEvent, int) {
	output := ""
	blocks, err := transcript.ExtractContentBlocks(ev.TranscriptPath, st.TraceStartLine)
	if err == nil {
		for i := len(blocks) - 1; i >= 0; i-- {
			if blocks[i].ContentType == transcript.ContentText && strings.TrimSpace(blocks[i].Text) != "" {
				_, stripped := intel.ParseAndStrip(blocks[i].Text)
				output = strings.TrimSpace(stripped)
				break
			}
		}
	}

	res, err := transcript.ParseIncrementalLines(ev.TranscriptPath, st.TraceStartLine)
	if err != nil {
		res = transcript.IncrementalResult{LastLine: st.LastPushedLine}
	}
	usage := res.TokenUsage

	metadata := map[string]interface{}{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	}
	if usage.CacheReadInputTokens > 0 {
		metadata["cache_read_tokens"] = usage.CacheReadInputTokens
	}
	if len(res.ToolCalls) > 0 {
		metadata["tool_calls"] = strings.Join(res.ToolCalls, ",")
		metadata["tool_count"] = len(res.ToolCalls)
	}

	batch := []traceassembler.BatchEvent{
		traceassembler.NewTraceCreateEvent(now, traceassembler.TraceBody{
			ID:        st.CurrentTraceID,
			SessionID: st.SessionID,
			Output:    output,
			EndTime:   now.UTC().Format(time.RFC3339),
			Metadata:  metadata,
		}),
	}

	total := usage.InputTokens + usage.OutputTokens
	if total > 0 {
		u := traceassembler.Usage{
			Input:  usage.InputTokens,
			Output: usage.OutputTokens,
			Total:  total,
		}
		if usage.CacheReadInputTokens > 0 {
			cr := usage.CacheReadInputTokens
			u.CacheRead = &cr
		}
		start := now
		if t, err := time.Parse(time.RFC3339, st.TurnStartTime); err == nil {
			start = t
		}
		batch = append(batch, traceassembler.NewGenerationEvent(now, st.CurrentTraceID, "turn", "", u, start))
	}
	return batch, res.LastLine
}
