// Package masking replaces declared secret values wherever they appear in an
// outbound batch before it is pushed.
package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lightspeeddms/pacemaker/internal/secretsvault"
	"github.com/lightspeeddms/pacemaker/internal/traceassembler"
)

// MaskedPlaceholder replaces every byte of a matched secret value.
const MaskedPlaceholder = "*** MASKED ***"

var (
	compileMu    sync.Mutex
	cachedKey    string
	cachedRegexp *regexp.Regexp
)

// compiledMatcher returns an alternation regexp matching any of secrets,
// longest-first so a secret that is a prefix of another doesn't shadow it.
// The compiled regexp is cached keyed by a hash of the sorted secret set, so
// repeated calls across a single hook invocation with an unchanged vault
// don't recompile.
func compiledMatcher(secrets []string) *regexp.Regexp {
	if len(secrets) == 0 {
		return nil
	}
	sorted := append([]string(nil), secrets...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	key := hex.EncodeToString(h[:])

	compileMu.Lock()
	defer compileMu.Unlock()
	if cachedKey == key && cachedRegexp != nil {
		return cachedRegexp
	}

	byLen := append([]string(nil), sorted...)
	sort.Slice(byLen, func(i, j int) bool { return len(byLen[i]) > len(byLen[j]) })
	parts := make([]string, 0, len(byLen))
	for _, s := range byLen {
		if s == "" {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(s))
	}
	if len(parts) == 0 {
		cachedKey, cachedRegexp = key, nil
		return nil
	}
	re := regexp.MustCompile(strings.Join(parts, "|"))
	cachedKey, cachedRegexp = key, re
	return re
}

// MaskText replaces every occurrence of any secret in content with
// MaskedPlaceholder, returning the result and the number of replacements.
func MaskText(content string, secrets []string) (string, int) {
	re := compiledMatcher(secrets)
	if re == nil {
		return content, 0
	}
	count := 0
	out := re.ReplaceAllStringFunc(content, func(string) string {
		count++
		return MaskedPlaceholder
	})
	return out, count
}

// MaskStructure walks data (as decoded from JSON: map[string]interface{},
// []interface{}, string, or scalar) and masks every string leaf, preserving
// the original shape.
func MaskStructure(data interface{}, secrets []string) (interface{}, int) {
	total := 0
	switch v := data.(type) {
	case string:
		masked, n := MaskText(v, secrets)
		return masked, n
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			masked, n := MaskStructure(val, secrets)
			out[k] = masked
			total += n
		}
		return out, total
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			masked, n := MaskStructure(val, secrets)
			out[i] = masked
			total += n
		}
		return out, total
	default:
		return v, 0
	}
}

// restoreUserIDs walks orig and masked in lockstep and copies the original
// "userId" string back into masked wherever found, at any depth. userId
// values are identifiers, not secrets, but a coincidental substring match
// against a declared secret could otherwise mask them.
func restoreUserIDs(orig, masked interface{}) interface{} {
	origMap, ok := orig.(map[string]interface{})
	if !ok {
		return masked
	}
	maskedMap, ok := masked.(map[string]interface{})
	if !ok {
		return masked
	}
	for k, origVal := range origMap {
		maskedVal, present := maskedMap[k]
		if !present {
			continue
		}
		if k == "userId" {
			maskedMap[k] = origVal
			continue
		}
		maskedMap[k] = restoreUserIDs(origVal, maskedVal)
	}
	return maskedMap
}

// SanitizeTrace masks every string field of every body in batch against the
// vault's current secret set, restores any userId fields the masking pass
// touched, and records the total number of secret replacements as a metric.
func SanitizeTrace(batch []traceassembler.BatchEvent, vault *secretsvault.Vault, now time.Time) ([]traceassembler.BatchEvent, error) {
	if vault == nil {
		return batch, nil
	}
	secrets, err := vault.AllValues()
	if err != nil {
		return nil, err
	}
	if len(secrets) == 0 {
		return batch, nil
	}

	out := make([]traceassembler.BatchEvent, len(batch))
	total := 0
	for i, ev := range batch {
		structured, ok := toGenericStructure(ev.Body)
		if !ok {
			out[i] = ev
			continue
		}
		masked, n := MaskStructure(structured, secrets)
		masked = restoreUserIDs(structured, masked)
		total += n
		ev.Body = masked
		out[i] = ev
	}

	if err := vault.IncrementSecretsMasked(total, now); err != nil {
		return out, err
	}
	return out, nil
}

// toGenericStructure converts a BatchEvent body to the map[string]interface{}
// shape MaskStructure walks. Trace and span bodies are copied field by field
// into maps keyed by their json tag names, with no JSON round trip; a body
// that is already a map is passed through. Any other body type reports false
// and is left unmasked.
func toGenericStructure(body interface{}) (interface{}, bool) {
	switch b := body.(type) {
	case map[string]interface{}:
		// A body reloaded from a session-state file (a staged pending_trace)
		// arrives as the decoded-JSON shape already.
		return b, true
	case traceassembler.TraceBody:
		m := map[string]interface{}{
			"id": b.ID, "sessionId": b.SessionID,
		}
		if b.Name != "" {
			m["name"] = b.Name
		}
		if b.UserID != "" {
			m["userId"] = b.UserID
		}
		if b.Timestamp != "" {
			m["timestamp"] = b.Timestamp
		}
		if b.Input != "" {
			m["input"] = b.Input
		}
		if b.Output != "" {
			m["output"] = b.Output
		}
		if b.EndTime != "" {
			m["endTime"] = b.EndTime
		}
		if b.Metadata != nil {
			m["metadata"] = b.Metadata
		}
		return m, true
	case traceassembler.SpanBody:
		m := map[string]interface{}{
			"id": b.ID, "traceId": b.TraceID, "name": b.Name,
		}
		if b.StartTime != "" {
			m["startTime"] = b.StartTime
		}
		if b.EndTime != "" {
			m["endTime"] = b.EndTime
		}
		if b.Input != nil {
			m["input"] = b.Input
		}
		if b.Output != nil {
			m["output"] = b.Output
		}
		if b.Metadata != nil {
			m["metadata"] = b.Metadata
		}
		return m, true
	case traceassembler.GenerationBody:
		// Generation bodies carry numeric usage, not free-form user text;
		// nothing here is a plausible secret-masking target.
		return nil, false
	default:
		return nil, false
	}
}
