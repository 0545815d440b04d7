// Package intel parses the single-line "§ ..." structured metadata an
// assistant may emit at the end of a turn.
package intel

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	frustrationRE = regexp.MustCompile(`△([0-9]*\.?[0-9]+)`)
	specificityRE = regexp.MustCompile(`◎(\w+)`)
	taskTypeRE    = regexp.MustCompile(`■(\w+)`)
	qualityRE     = regexp.MustCompile(`◇([0-9]*\.?[0-9]+)`)
	iterationRE   = regexp.MustCompile(`↻(\d)`)
)

var validSpecificity = map[string]bool{"surg": true, "const": true, "outc": true, "expl": true}

var validTaskType = map[string]bool{
	"bug": true, "feat": true, "refac": true, "research": true, "test": true,
	"docs": true, "debug": true, "conf": true, "other": true,
}

// Intel is one parsed intel line. Fields that failed validation are left nil
// rather than defaulted.
type Intel struct {
	Frustration *float64
	Specificity *string
	TaskType    *string
	Quality     *float64
	Iteration   *int
}

// ToMetadata renders the populated fields as intel_* trace metadata keys.
func (i *Intel) ToMetadata() map[string]interface{} {
	m := map[string]interface{}{}
	if i.Frustration != nil {
		m["intel_frustration"] = *i.Frustration
	}
	if i.Specificity != nil {
		m["intel_specificity"] = *i.Specificity
	}
	if i.TaskType != nil {
		m["intel_task_type"] = *i.TaskType
	}
	if i.Quality != nil {
		m["intel_quality"] = *i.Quality
	}
	if i.Iteration != nil {
		m["intel_iteration"] = *i.Iteration
	}
	return m
}

// ParseAndStrip scans text for the first line beginning with §, parses its
// fields, and returns (nil, text unchanged) if none validated. Otherwise it
// returns the parsed Intel and text with that line removed.
func ParseAndStrip(text string) (*Intel, string) {
	lines := strings.Split(text, "\n")
	idx := -1
	for i, l := range lines {
		trimmed := strings.TrimLeftFunc(l, unicode.IsSpace)
		r, _ := utf8.DecodeRuneInString(trimmed)
		if r == '§' {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, text
	}

	line := lines[idx]
	intel := &Intel{}
	found := false

	if m := frustrationRE.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 1 {
			intel.Frustration = &v
			found = true
		}
	}
	if m := specificityRE.FindStringSubmatch(line); m != nil && validSpecificity[m[1]] {
		v := m[1]
		intel.Specificity = &v
		found = true
	}
	if m := taskTypeRE.FindStringSubmatch(line); m != nil && validTaskType[m[1]] {
		v := m[1]
		intel.TaskType = &v
		found = true
	}
	if m := qualityRE.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 1 {
			intel.Quality = &v
			found = true
		}
	}
	if n, ok := parseIteration(line); ok {
		intel.Iteration = &n
		found = true
	}

	if !found {
		return nil, text
	}

	remaining := make([]string, 0, len(lines)-1)
	remaining = append(remaining, lines[:idx]...)
	remaining = append(remaining, lines[idx+1:]...)
	return intel, strings.Join(remaining, "\n")
}

// parseIteration enforces the single-digit constraint: ↻<digit> only counts
// if the digit isn't itself followed by another digit (no regexp lookahead
// in RE2, so this is checked manually after the match).
func parseIteration(line string) (int, bool) {
	loc := iterationRE.FindStringSubmatchIndex(line)
	if loc == nil {
		return 0, false
	}
	digitStart, digitEnd := loc[2], loc[3]
	if digitEnd < len(line) {
		r, _ := utf8.DecodeRuneInString(line[digitEnd:])
		if unicode.IsDigit(r) {
			return 0, false
		}
	}
	n, err := strconv.Atoi(line[digitStart:digitEnd])
	if err != nil || n < 1 || n > 9 {
		return 0, false
	}
	return n, true
}
