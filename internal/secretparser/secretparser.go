// Package secretparser scans assistant messages for explicit secret
// declarations and resolves them to raw values ready for vault storage.
package secretparser

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	textRE  = regexp.MustCompile(`🔐 SECRET_TEXT:\s*(.+?)(?:\n|$)`)
	fileRE  = regexp.MustCompile(`🔐 SECRET_FILE:\s*(.+?)(?:\n|$)`)
	emailRE = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// Declaration is one resolved secret pulled from an assistant message.
type Declaration struct {
	Type  string // "text" or "file"
	Value string
}

// ParseTextSecrets extracts every 🔐 SECRET_TEXT declaration in msg. Values
// that are exactly an email address are rejected: identity is not a secret.
func ParseTextSecrets(msg string) []string {
	var out []string
	for _, m := range textRE.FindAllStringSubmatch(msg, -1) {
		value := cleanValue(m[1])
		if value == "" || emailRE.MatchString(value) {
			continue
		}
		out = append(out, value)
	}
	return out
}

// ParseFileSecrets extracts every 🔐 SECRET_FILE declaration in msg. A value
// beginning with "/" or "~" is treated as a path: its contents are read and
// stored as the secret (falling back to the path itself on any read error);
// anything else is stored as a literal value.
func ParseFileSecrets(msg string) []string {
	var out []string
	for _, m := range fileRE.FindAllStringSubmatch(msg, -1) {
		value := cleanValue(m[1])
		if value == "" {
			continue
		}
		if strings.HasPrefix(value, "/") || strings.HasPrefix(value, "~") {
			resolved, ok := readFileSecret(value)
			if !ok {
				continue
			}
			out = append(out, resolved)
			continue
		}
		out = append(out, value)
	}
	return out
}

func readFileSecret(path string) (string, bool) {
	expanded := expandHome(path)
	data, err := os.ReadFile(expanded)
	if err != nil {
		log.Warn().Err(err).Str("path", expanded).Msg("secretparser: failed to read secret file, storing path instead")
		return path, true
	}
	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return "", false
	}
	return content, true
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func cleanValue(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "`*_")
}

// ParseAssistantMessage resolves every declaration (text and file) found in msg.
func ParseAssistantMessage(msg string) []Declaration {
	var out []Declaration
	for _, v := range ParseTextSecrets(msg) {
		out = append(out, Declaration{Type: "text", Value: v})
	}
	for _, v := range ParseFileSecrets(msg) {
		out = append(out, Declaration{Type: "file", Value: v})
	}
	return out
}
