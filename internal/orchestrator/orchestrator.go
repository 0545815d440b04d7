// Package orchestrator wires the persistent store, secrets vault, masking
// engine, transcript reader, pacing engine, and push client into the
// per-hook-event lifecycle operations.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lightspeeddms/pacemaker/internal/masking"
	"github.com/lightspeeddms/pacemaker/internal/pacecfg"
	"github.com/lightspeeddms/pacemaker/internal/pacepaths"
	"github.com/lightspeeddms/pacemaker/internal/pacing"
	"github.com/lightspeeddms/pacemaker/internal/pushclient"
	"github.com/lightspeeddms/pacemaker/internal/secretparser"
	"github.com/lightspeeddms/pacemaker/internal/secretsvault"
	"github.com/lightspeeddms/pacemaker/internal/sessionstate"
	"github.com/lightspeeddms/pacemaker/internal/store"
	"github.com/lightspeeddms/pacemaker/internal/traceassembler"
	"github.com/lightspeeddms/pacemaker/internal/transcript"
	"github.com/lightspeeddms/pacemaker/internal/usageapi"
)

// HookEvent is the stdin JSON payload the host sends to every hook
// invocation, a superset of the fields any one lifecycle event actually
// uses.
type HookEvent struct {
	SessionID            string          `json:"session_id"`
	TranscriptPath       string          `json:"transcript_path"`
	Source               string          `json:"source"`
	Cwd                  string          `json:"cwd"`
	Prompt               string          `json:"prompt"`
	ToolName             string          `json:"tool_name"`
	ToolInput            json.RawMessage `json:"tool_input"`
	ToolResponse         json.RawMessage `json:"tool_response"`
	ToolUseID            string          `json:"tool_use_id"`
	AgentID              string          `json:"agent_id"`
	AgentType            string          `json:"agent_type"`
	AgentTranscriptPath  string          `json:"agent_transcript_path"`
	LastAssistantMessage string          `json:"last_assistant_message"`
}

// ValidationResult is the external intent validator's verdict. The failure
// flags select which blockage category gets recorded.
type ValidationResult struct {
	Approved         bool
	Feedback         string
	TDDFailure       bool
	CleanCodeFailure bool
}

// IntentValidator judges whether a pre-tool-use call matches the session's
// declared intent. Its actual decision logic is an external, LLM-backed
// collaborator out of this core's scope; the core only defines
// the seam it's invoked through.
type IntentValidator interface {
	Validate(ctx context.Context, ev HookEvent) ValidationResult
}

// AlwaysApprove is the default IntentValidator: every pre-tool-use call is
// approved. Stands in for the external validator when none is wired.
type AlwaysApprove struct{}

func (AlwaysApprove) Validate(context.Context, HookEvent) ValidationResult {
	return ValidationResult{Approved: true}
}

// Decision is the hook dispatcher's exit-code/output contract.
type Decision struct {
	ExitCode          int
	Block             bool
	Reason            string
	AdditionalContext string
	HookEventName     string
}

// Orchestrator bundles every subsystem collaborator a hook handler needs.
type Orchestrator struct {
	Store       *store.Store
	Vault       *secretsvault.Vault
	Paths       pacepaths.Paths
	Config      pacecfg.Config
	Push        *pushclient.Client
	UsageClient *usageapi.Client
	Validator   IntentValidator
	Log         zerolog.Logger
	Clock       func() time.Time
	Sleep       func(time.Duration)
}

func (o *Orchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) sleep(d time.Duration) {
	if o.Sleep != nil {
		o.Sleep(d)
		return
	}
	time.Sleep(d)
}

const assistantMessageWindowPostTool = 3
const assistantMessageWindowStop = 5

// storeSecrets parses the last n assistant messages from path for secret
// declarations and writes any found to the vault. Secret parsing always
// precedes sanitization within a hook.
func (o *Orchestrator) storeSecrets(path string, n int) error {
	if o.Vault == nil {
		return nil
	}
	msgs, err := transcript.LastNAssistantMessages(path, n)
	if err != nil {
		o.Log.Warn().Err(err).Str("path", path).Msg("orchestrator: failed to read transcript for secret parsing")
		return nil
	}
	for _, msg := range msgs {
		for _, decl := range secretparser.ParseAssistantMessage(msg) {
			if _, err := o.Vault.Create(decl.Type, decl.Value); err != nil {
				o.Log.Warn().Err(err).Msg("orchestrator: failed to store declared secret")
			}
		}
	}
	return nil
}

// sanitizeAndPush masks batch against the current vault contents and pushes
// it, returning the acknowledged count and whether the push itself
// succeeded. This never blocks the hook: failures are logged and swallowed.
func (o *Orchestrator) sanitizeAndPush(ctx context.Context, batch []traceassembler.BatchEvent) (acked int, ok bool) {
	if len(batch) == 0 {
		return 0, true
	}
	sanitized, err := masking.SanitizeTrace(batch, o.Vault, o.now())
	if err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: sanitize failed, pushing unsanitized batch is unsafe, dropping")
		return 0, false
	}
	if o.Push == nil {
		return 0, false
	}
	success, acked := o.Push.PushBatch(ctx, sanitized)
	return acked, success
}

// flushPendingTrace sanitizes and pushes st.PendingTrace if present, then
// unconditionally clears it. Clearing happens regardless of push outcome so
// a persistently failing push can never turn into a retry loop.
func (o *Orchestrator) flushPendingTrace(ctx context.Context, st *sessionstate.SessionState) (flushed bool) {
	if len(st.PendingTrace) == 0 {
		return false
	}
	o.sanitizeAndPush(ctx, st.PendingTrace)
	st.PendingTrace = nil
	if o.Store != nil {
		if err := o.Store.IncrementMetric("traces", o.now()); err != nil {
			o.Log.Warn().Err(err).Msg("orchestrator: traces metric increment failed")
		}
	}
	return true
}

// resolveUserID returns the cached session user id, falling back to the
// OAuth profile API (3s timeout) on first use. Failures leave UserID empty:
// identity is best-effort metadata, never load-bearing.
func (o *Orchestrator) resolveUserID(ctx context.Context, st *sessionstate.SessionState) string {
	if st.UserID != "" {
		return st.UserID
	}
	if o.UsageClient == nil {
		return ""
	}
	profile, err := o.UsageClient.FetchProfile(ctx)
	if err != nil {
		o.Log.Debug().Err(err).Msg("orchestrator: profile fetch failed, continuing without userId")
		return ""
	}
	st.UserID = profile.Email
	return st.UserID
}

func truncatePrefix(s string, n int) string {
	return traceassembler.TruncateName(strings.TrimSpace(s), n)
}

// extractTaskPrompt pulls the prompt text passed to the Task tool that
// triggered a subagent, from the parent transcript's most recent tool_use
// block naming the Task tool.
func extractTaskPrompt(parentTranscriptPath string) string {
	blocks, err := transcript.ExtractContentBlocks(parentTranscriptPath, 0)
	if err != nil {
		return ""
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if b.ContentType != transcript.ContentToolUse || b.ToolName != "Task" {
			continue
		}
		var input struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(b.ToolInput, &input); err == nil && input.Prompt != "" {
			return input.Prompt
		}
	}
	return ""
}

// toString renders a json.RawMessage tool input/response as a plain string
// for span input/output fields: a bare JSON string unwraps, anything else is
// kept as its literal JSON text.
func toString(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err == nil {
		return generic
	}
	return string(raw)
}

// pacingConfig adapts pacecfg.Config to pacing.Config.
func pacingConfig(c pacecfg.Config) pacing.Config {
	return pacing.Config{
		SafetyBufferPercent:  c.SafetyBufferPct,
		PreloadHours:         c.PreloadHours,
		BaseDelaySeconds:     float64(c.BaseDelay),
		MaxDelaySeconds:      float64(c.MaxDelay),
		ThresholdPercent:     c.ThresholdPercent,
		StepPercent:          c.DelayStepPercent,
		WeeklyLimitEnabled:   c.WeeklyLimitEnabled,
		FiveHourLimitEnabled: c.FiveHourLimitEnabled,
		PollIntervalSeconds:  int64(c.PollInterval),
		CleanupIntervalHours: int64(c.CleanupIntervalHours),
		RetentionDays:        c.RetentionDays,
	}
}

// convertUsageResponse adapts a usageapi.UsageResponse into the pacing
// package's transport-free PollResult.
func convertUsageResponse(u usageapi.UsageResponse) pacing.PollResult {
	res := pacing.PollResult{
		FiveHour: pacing.WindowInput{
			UtilizationPercent: u.FiveHour.Utilization,
			WindowDuration:     5 * time.Hour,
			Enabled:            true,
		},
	}
	if u.FiveHour.ResetsAt != nil {
		res.FiveHour.ResetsAt = *u.FiveHour.ResetsAt
		res.FiveHour.HasResetsAt = true
	}
	if u.SevenDay != nil {
		res.SevenDay.UtilizationPercent = u.SevenDay.Utilization
		res.SevenDay.WindowDuration = 7 * 24 * time.Hour
		res.SevenDay.Enabled = true
		if u.SevenDay.ResetsAt != nil {
			res.SevenDay.ResetsAt = *u.SevenDay.ResetsAt
			res.SevenDay.HasResetsAt = true
		}
	}
	return res
}

// runPacing executes the pacing run loop against the live usage API,
// persists any updated poll/cleanup bookkeeping into hookState, and returns
// the decision. A nil UsageClient degrades to "never throttle" rather than
// failing the hook.
func (o *Orchestrator) runPacing(ctx context.Context, sessionID string, hookState *sessionstate.HookState) pacing.Decision {
	if o.UsageClient == nil || o.Store == nil || !o.Config.Enabled {
		return pacing.Decision{}
	}
	fetch := func(ctx context.Context) (pacing.PollResult, error) {
		resp, err := o.UsageClient.FetchUsage(ctx)
		if err != nil {
			return pacing.PollResult{}, err
		}
		return convertUsageResponse(resp), nil
	}

	now := o.now()
	out, err := pacing.RunLoop(ctx, o.Store, pacing.RunLoopInput{
		Config:          pacingConfig(o.Config),
		SessionID:       sessionID,
		Now:             now,
		LastPollTime:    hookState.LastUsagePollTime(),
		LastCleanupTime: hookState.LastCleanupTime(),
		Fetch:           fetch,
	})
	if err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: pacing run loop failed")
		return pacing.Decision{}
	}
	if out.Polled {
		hookState.LastUsagePollAt = out.NewLastPollTime.Format(time.RFC3339)
	}
	if out.CleanedUp {
		hookState.LastCleanupAt = out.NewLastCleanup.Format(time.RFC3339)
	}
	return out.Decision
}

// recordBlockage writes a blockage row, logging (not failing) on error: a
// failed audit write must never itself block the host.
func (o *Orchestrator) recordBlockage(category, reason, hookType, sessionID, details string) {
	if o.Store == nil {
		return
	}
	if err := o.Store.InsertBlockage(store.Blockage{
		Timestamp: o.now(), Category: category, Reason: reason,
		HookType: hookType, SessionID: sessionID, Details: details,
	}); err != nil {
		o.Log.Warn().Err(err).Msg("orchestrator: failed to record blockage")
	}
}
