// Package sessionstate persists the per-session and process-wide bookkeeping
// that must survive across the short-lived hook process invocations of a
// single Claude Code session.
package sessionstate

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/lightspeeddms/pacemaker/internal/traceassembler"
)

// SessionState is the per-session record keyed by session ID: the current
// turn's trace bookkeeping, any staged pending trace, and the map of
// subagent traces started under this session. The subagent map mirrors the
// hook-state copy so a lost hook-state file doesn't orphan a running
// subagent's trace.
type SessionState struct {
	SessionID      string                       `json:"sessionId"`
	UserID         string                       `json:"userId,omitempty"`
	CurrentTraceID string                       `json:"currentTraceId,omitempty"`
	TraceStartLine int                          `json:"traceStartLine"`
	LastPushedLine int                          `json:"lastPushedLine"`
	TurnStartTime  string                       `json:"turnStartTime,omitempty"`
	PendingTrace   []traceassembler.BatchEvent  `json:"pendingTrace,omitempty"`
	SubagentTraces map[string]SubagentHookEntry `json:"subagentTraces,omitempty"`
	ProjectDir     string                       `json:"projectDir,omitempty"`
	SessionCounted bool                         `json:"sessionCounted,omitempty"`
}

// SubagentHookEntry is the hook-state bookkeeping for one in-flight
// subagent, keyed by agent id, supporting concurrent subagents.
type SubagentHookEntry struct {
	TraceID              string `json:"traceId"`
	ParentTranscriptPath string `json:"parentTranscriptPath"`
}

// HookState is the single process-wide bookkeeping record, independent of
// any one session: last usage poll/cleanup time, subagent reference count,
// and the concurrent-subagent trace map.
type HookState struct {
	LastUsagePollAt    string                       `json:"lastUsagePollAt,omitempty"`
	LastCleanupAt      string                       `json:"lastCleanupAt,omitempty"`
	LastDelaySecs      int                          `json:"lastDelaySecs"`
	InSubagent         bool                         `json:"inSubagent"`
	SubagentCounter    int                          `json:"subagentCounter"`
	ToolExecutionCount int                          `json:"toolExecutionCount"`
	SilentToolNudges   int                          `json:"silentToolNudgeCount"`
	Subagents          map[string]SubagentHookEntry `json:"subagentTraces,omitempty"`
}

// CurrentSubagent returns the hook-state's active subagent entry, if any:
// only meaningful while InSubagent is set and the agent has a registered
// trace.
func (h *HookState) CurrentSubagent(agentID string) (SubagentHookEntry, bool) {
	if !h.InSubagent || agentID == "" || h.Subagents == nil {
		return SubagentHookEntry{}, false
	}
	e, ok := h.Subagents[agentID]
	return e, ok
}

func atomicWriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func sessionStatePath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".json")
}

// LoadSessionState reads a session's state file, returning a fresh zero
// state (not an error) if the file doesn't exist yet: the first hook
// invocation of a session always starts from nothing.
func LoadSessionState(dir, sessionID string) (*SessionState, error) {
	path := sessionStatePath(dir, sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &SessionState{SessionID: sessionID}, nil
		}
		return nil, err
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return &SessionState{SessionID: sessionID}, nil
	}
	return &st, nil
}

// SaveSessionState atomically writes st to its session file.
func SaveSessionState(dir string, st *SessionState) error {
	return atomicWriteJSON(sessionStatePath(dir, st.SessionID), st)
}

// DeleteSessionState removes a session's state file once it is no longer
// needed (a finished subagent's state at subagent_stop), so stale files don't
// accumulate. A missing file is not an error.
func DeleteSessionState(dir, sessionID string) error {
	err := os.Remove(sessionStatePath(dir, sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// LoadHookState reads the process-wide hook-state file, returning a fresh
// zero state if absent.
func LoadHookState(path string) (*HookState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &HookState{}, nil
		}
		return nil, err
	}
	var st HookState
	if err := json.Unmarshal(data, &st); err != nil {
		return &HookState{}, nil
	}
	return &st, nil
}

// SaveHookState atomically writes st to path.
func SaveHookState(path string, st *HookState) error {
	return atomicWriteJSON(path, st)
}

// LastUsagePollTime parses HookState.LastUsagePollAt, returning the zero
// time if unset or unparseable.
func (h *HookState) LastUsagePollTime() time.Time {
	return parseRFC3339OrZero(h.LastUsagePollAt)
}

// LastCleanupTime parses HookState.LastCleanupAt, returning the zero time if
// unset or unparseable.
func (h *HookState) LastCleanupTime() time.Time {
	return parseRFC3339OrZero(h.LastCleanupAt)
}

func parseRFC3339OrZero(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
