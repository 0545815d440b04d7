// Package traceassembler builds the trace/span/generation objects pushed to
// the backend, and filters raw tool output before it becomes a span's
// output.
package traceassembler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Outbound batch-event type tags.
const (
	EventTraceCreate      = "trace-create"
	EventSpanCreate       = "span-create"
	EventGenerationCreate = "generation-create"
)

// BatchEvent is one outbound ingestion item: an envelope around a typed body.
type BatchEvent struct {
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Type      string      `json:"type"`
	Body      interface{} `json:"body"`
}

// TraceBody is a trace-create payload; the backend upserts on ID. Zero-value
// fields are omitted so a later upsert only touches the fields it carries.
type TraceBody struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Name      string                 `json:"name,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Input     string                 `json:"input,omitempty"`
	Output    string                 `json:"output,omitempty"`
	EndTime   string                 `json:"endTime,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SpanBody is a span-create payload, either a text span or a tool span.
type SpanBody struct {
	ID        string                 `json:"id"`
	TraceID   string                 `json:"traceId"`
	Name      string                 `json:"name"`
	StartTime string                 `json:"startTime,omitempty"`
	EndTime   string                 `json:"endTime,omitempty"`
	Input     interface{}            `json:"input,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Usage carries token counts for a Generation.
type Usage struct {
	Input     int  `json:"input"`
	Output    int  `json:"output"`
	Total     int  `json:"total"`
	CacheRead *int `json:"cache_read,omitempty"`
}

// GenerationBody is a generation-create payload.
type GenerationBody struct {
	ID        string `json:"id"`
	TraceID   string `json:"traceId"`
	Name      string `json:"name"`
	Model     string `json:"model,omitempty"`
	Usage     Usage  `json:"usage"`
	StartTime string `json:"startTime,omitempty"`
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewTraceID mints "<session>-turn-<8-hex>".
func NewTraceID(sessionID string) string {
	return fmt.Sprintf("%s-turn-%s", sessionID, shortHex())
}

// NewSubagentTraceID mints "<parent-session>-subagent-<name>-<8-hex>".
func NewSubagentTraceID(parentSessionID, agentName string) string {
	return fmt.Sprintf("%s-subagent-%s-%s", parentSessionID, agentName, shortHex())
}

// TruncateName returns s truncated to maxLen runes, used for the ≤100-char
// trace name prefix.
func TruncateName(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewTraceCreateEvent wraps body in a trace-create batch event.
func NewTraceCreateEvent(now time.Time, body TraceBody) BatchEvent {
	return BatchEvent{ID: uuid.NewString(), Timestamp: formatTime(now), Type: EventTraceCreate, Body: body}
}

// NewTextSpanEvent builds the single span emitted per assistant text block.
func NewTextSpanEvent(now time.Time, traceID, output string, start, end time.Time) BatchEvent {
	body := SpanBody{
		ID: uuid.NewString(), TraceID: traceID, Name: "Assistant Response",
		StartTime: formatTime(start), EndTime: formatTime(end),
		Output: output, Metadata: map[string]interface{}{"type": "text"},
	}
	return BatchEvent{ID: uuid.NewString(), Timestamp: formatTime(now), Type: EventSpanCreate, Body: body}
}

// NewToolSpanEvent builds the span emitted per tool invocation, named
// "Tool - <toolName>".
func NewToolSpanEvent(now time.Time, traceID, toolName string, input, output interface{}, start, end time.Time) BatchEvent {
	body := SpanBody{
		ID: uuid.NewString(), TraceID: traceID, Name: "Tool - " + toolName,
		StartTime: formatTime(start), EndTime: formatTime(end),
		Input: input, Output: output, Metadata: map[string]interface{}{"tool": toolName},
	}
	return BatchEvent{ID: uuid.NewString(), Timestamp: formatTime(now), Type: EventSpanCreate, Body: body}
}

// NewGenerationEvent builds the one generation-create event emitted per
// finalized turn that carried any token usage.
func NewGenerationEvent(now time.Time, traceID, name, model string, usage Usage, start time.Time) BatchEvent {
	body := GenerationBody{
		ID: uuid.NewString(), TraceID: traceID, Name: name, Model: model,
		Usage: usage, StartTime: formatTime(start),
	}
	return BatchEvent{ID: uuid.NewString(), Timestamp: formatTime(now), Type: EventGenerationCreate, Body: body}
}

const defaultMaxToolOutputBytes = 10 * 1024

var redactionPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`sk-[A-Za-z0-9-]{20,}`), "[REDACTED]"},
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), "[REDACTED]"},
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+PRIVATE KEY-----.*?-----END [A-Z ]+PRIVATE KEY-----`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)(password|passwd)\s*=\s*\S+`), "password=[REDACTED]"},
	{regexp.MustCompile(`(?i)api[_-]?key\s*=\s*\S+`), "api_key=[REDACTED]"},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`), "[REDACTED]"},
	{regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`), "[REDACTED]"},
}

// redact applies the ordered credential-shape substitutions.
func redact(s string) string {
	for _, p := range redactionPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// truncate slices s to maxBytes, backing off up to 4 bytes to respect UTF-8
// boundaries, and appends a literal marker noting the original size.
func truncate(s string, maxBytes int) string {
	b := []byte(s)
	if len(b) <= maxBytes {
		return s
	}
	cut := maxBytes
	for back := 0; back < 4 && cut > 0 && !utf8.RuneStart(b[cut]); back++ {
		cut--
	}
	return string(b[:cut]) + fmt.Sprintf("\n\n[TRUNCATED - original size: %d bytes]", len(b))
}

// FilterToolResult is the Trace Assembler's tool-output filter: redact, then
// truncate. Secret masking runs afterward as a separate layer
// over the whole outbound batch.
func FilterToolResult(output string, maxBytes int, enableRedaction bool) string {
	if maxBytes <= 0 {
		maxBytes = defaultMaxToolOutputBytes
	}
	if enableRedaction {
		output = redact(output)
	}
	return truncate(output, maxBytes)
}
