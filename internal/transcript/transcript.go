// Package transcript incrementally parses the append-only JSONL transcript
// the host writes for a session (or subagent), turning raw lines into the
// text/tool_use content blocks the orchestrator assembles into spans.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// ContentType is the tagged variant for one content block within an
// assistant (or user, for tool results) message.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
	ContentOther      ContentType = "other"
)

// Block is one emitted content element, carrying enough context to build a
// span or feed secret/intel parsing.
type Block struct {
	ContentType       ContentType
	LineNumber        int
	PositionInMessage int
	Timestamp         string
	MessageUUID       string
	Text              string
	ToolName          string
	ToolID            string
	ToolInput         json.RawMessage
}

type rawContentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type rawUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

type rawLine struct {
	Type            string `json:"type"`
	UUID            string `json:"uuid"`
	Timestamp       string `json:"timestamp"`
	Subtype         string `json:"subtype"`
	CompactMetadata *struct {
		PreTokens int `json:"preTokens"`
	} `json:"compactMetadata"`
	Message *rawMessage `json:"message"`
}

// line is a parsed, 1-indexed transcript entry.
type line struct {
	number   int
	raw      rawLine
	usage    *rawUsage
	content  []rawContentItem
	hasItems bool
}

// readLines reads path from the beginning, skipping entries with
// LineNumber <= startLine. Malformed lines are skipped
// silently. A missing file returns no lines and no error: a hook invoked
// before any transcript exists must not fail.
func readLines(path string, startLine int) ([]line, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	var out []line
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= startLine {
			continue
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rl rawLine
		if err := json.Unmarshal([]byte(text), &rl); err != nil {
			continue
		}
		l := line{number: lineNo, raw: rl}
		if rl.Message != nil {
			l.usage = rl.Message.Usage
			if items, ok := parseContentItems(rl.Message.Content); ok {
				l.content = items
				l.hasItems = true
			}
		}
		out = append(out, l)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// parseContentItems accepts either a bare string (treated as one text block)
// or an array of {type, ...} objects, matching the transcript's documented
// message.content shape.
func parseContentItems(raw json.RawMessage) ([]rawContentItem, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, false
		}
		return []rawContentItem{{Type: "text", Text: s}}, true
	}
	var items []rawContentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, true
}

// ExtractContentBlocks reads lines after startLine and emits one Block per
// text/tool_use element of every assistant message.
func ExtractContentBlocks(path string, startLine int) ([]Block, error) {
	lines, err := readLines(path, startLine)
	if err != nil {
		return nil, err
	}
	var blocks []Block
	for _, l := range lines {
		if l.raw.Type != "assistant" || l.raw.Message == nil || l.raw.Message.Role != "assistant" {
			continue
		}
		if !l.hasItems {
			continue
		}
		for pos, item := range l.content {
			switch item.Type {
			case "text":
				if item.Text == "" {
					continue
				}
				blocks = append(blocks, Block{
					ContentType: ContentText, LineNumber: l.number, PositionInMessage: pos,
					Timestamp: l.raw.Timestamp, MessageUUID: l.raw.UUID, Text: item.Text,
				})
			case "tool_use":
				blocks = append(blocks, Block{
					ContentType: ContentToolUse, LineNumber: l.number, PositionInMessage: pos,
					Timestamp: l.raw.Timestamp, MessageUUID: l.raw.UUID,
					ToolName: item.Name, ToolID: item.ID, ToolInput: item.Input,
				})
			}
		}
	}
	return blocks, nil
}

// TokenUsage is the accumulated usage across a window of transcript lines.
type TokenUsage struct {
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
}

// IncrementalResult is the accumulated token usage and tool-call names for a
// window of transcript lines.
type IncrementalResult struct {
	LinesParsed int
	LastLine    int
	TokenUsage  TokenUsage
	ToolCalls   []string
}

// ParseIncrementalLines accumulates usage and tool-use names over lines after
// startLine, tracking the last line number actually seen (used to advance
// last_pushed_line even when the line carries no usage/tool data).
func ParseIncrementalLines(path string, startLine int) (IncrementalResult, error) {
	lines, err := readLines(path, startLine)
	if err != nil {
		return IncrementalResult{LastLine: startLine}, err
	}
	res := IncrementalResult{LastLine: startLine}
	for _, l := range lines {
		res.LinesParsed++
		if l.number > res.LastLine {
			res.LastLine = l.number
		}
		if l.usage != nil {
			res.TokenUsage.InputTokens += l.usage.InputTokens
			res.TokenUsage.OutputTokens += l.usage.OutputTokens
			res.TokenUsage.CacheReadInputTokens += l.usage.CacheReadInputTokens
			res.TokenUsage.CacheCreationInputTokens += l.usage.CacheCreationInputTokens
		}
		if l.raw.Type == "assistant" && l.raw.Message != nil && l.raw.Message.Role == "assistant" {
			for _, item := range l.content {
				if item.Type == "tool_use" {
					res.ToolCalls = append(res.ToolCalls, item.Name)
				}
			}
		}
	}
	return res, nil
}

// LastNAssistantMessages returns the text of the last n assistant messages
// (text blocks joined with newlines per message), oldest of the selected
// window first.
func LastNAssistantMessages(path string, n int) ([]string, error) {
	lines, err := readLines(path, 0)
	if err != nil {
		return nil, err
	}
	var msgs []string
	for _, l := range lines {
		if l.raw.Type != "assistant" || l.raw.Message == nil || l.raw.Message.Role != "assistant" {
			continue
		}
		var sb strings.Builder
		for _, item := range l.content {
			if item.Type == "text" && item.Text != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(item.Text)
			}
		}
		if sb.Len() > 0 {
			msgs = append(msgs, sb.String())
		}
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// IsSilentToolStop reports whether the final transcript entry is an
// assistant message whose last content item is a tool_use with no following
// text block.
func IsSilentToolStop(path string) (bool, error) {
	lines, err := readLines(path, 0)
	if err != nil || len(lines) == 0 {
		return false, err
	}
	last := lines[len(lines)-1]
	if last.raw.Type != "assistant" || last.raw.Message == nil || last.raw.Message.Role != "assistant" {
		return false, nil
	}
	if len(last.content) == 0 {
		return false, nil
	}
	return last.content[len(last.content)-1].Type == "tool_use", nil
}

const contextExhaustionMessage = "Prompt is too long"
const compactBoundaryPreTokenThreshold = 180000
const recentCompactBoundaryWindow = 20

// IsContextExhausted implements both heuristics: a final
// "Prompt is too long" assistant message, or a recent compact_boundary entry
// reporting preTokens above the threshold.
func IsContextExhausted(path string) (bool, error) {
	lines, err := readLines(path, 0)
	if err != nil || len(lines) == 0 {
		return false, err
	}
	last := lines[len(lines)-1]
	if last.raw.Type == "assistant" && last.raw.Message != nil && last.raw.Message.Role == "assistant" {
		for _, item := range last.content {
			if item.Type == "text" && strings.TrimSpace(item.Text) == contextExhaustionMessage {
				return true, nil
			}
		}
	}
	start := len(lines) - recentCompactBoundaryWindow
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		l := lines[i]
		if l.raw.Subtype == "compact_boundary" && l.raw.CompactMetadata != nil &&
			l.raw.CompactMetadata.PreTokens > compactBoundaryPreTokenThreshold {
			return true, nil
		}
	}
	return false, nil
}

// FindToolResultByAgentID scans every tool_result content block in path for
// one whose content mentions "agentId: <agentID>", returning the most recent
// match. Used when finalizing a subagent trace from the parent transcript,
// to avoid cross-contamination between concurrently running subagents.
func FindToolResultByAgentID(path string, agentID string) (string, bool) {
	if agentID == "" {
		return "", false
	}
	lines, err := readLines(path, 0)
	if err != nil {
		return "", false
	}
	marker := "agentId: " + agentID
	for i := len(lines) - 1; i >= 0; i-- {
		for _, item := range lines[i].content {
			if item.Type != "tool_result" {
				continue
			}
			text := toolResultText(item.Content)
			if strings.Contains(text, marker) {
				return text, true
			}
		}
	}
	return "", false
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []rawContentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var sb strings.Builder
		for _, item := range items {
			if item.Type == "text" {
				sb.WriteString(item.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}
