// Package pacecfg loads the flat runtime configuration consumed by the core.
// Config file CRUD (adding/removing rule entries) is an external collaborator;
// this package only loads and hot-reloads the resulting JSON document.
package pacecfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Config is the flat runtime configuration: pacing tunables, tempo/intent
// settings, and the Langfuse export credentials.
type Config struct {
	Enabled              bool    `json:"enabled"`
	BaseDelay            int     `json:"base_delay"`
	MaxDelay             int     `json:"max_delay"`
	ThresholdPercent     float64 `json:"threshold_percent"`
	PollInterval         int     `json:"poll_interval"`
	SafetyBufferPct      float64 `json:"safety_buffer_pct"`
	PreloadHours         float64 `json:"preload_hours"`
	APITimeoutSeconds    int     `json:"api_timeout_seconds"`
	CleanupIntervalHours int     `json:"cleanup_interval_hours"`
	RetentionDays        int     `json:"retention_days"`
	WeeklyLimitEnabled   bool    `json:"weekly_limit_enabled"`
	FiveHourLimitEnabled bool    `json:"five_hour_limit_enabled"`
	DelayStepPercent     float64 `json:"delay_step_percent"`

	TempoMode                 string `json:"tempo_mode"`
	AutoTempoThresholdMinutes int    `json:"auto_tempo_threshold_minutes"`
	ConversationContextSize   int    `json:"conversation_context_size"`
	UserMessageMaxLength      int    `json:"user_message_max_length"`
	MaxSilentToolNudges       int    `json:"max_silent_tool_nudges"`

	IntentValidationEnabled bool   `json:"intent_validation_enabled"`
	TDDEnabled              bool   `json:"tdd_enabled"`
	StopHookTokenBudget     int    `json:"stop_hook_token_budget"`
	StopHookFirstNPairs     int    `json:"stop_hook_first_n_pairs"`
	LogLevel                int    `json:"log_level"`
	PreferredSubagentModel  string `json:"preferred_subagent_model"`

	LangfuseEnabled   bool   `json:"langfuse_enabled"`
	LangfuseBaseURL   string `json:"langfuse_base_url"`
	LangfusePublicKey string `json:"langfuse_public_key"`
	LangfuseSecretKey string `json:"langfuse_secret_key"`
}

// Default returns the shipped baseline, so a missing or partially-populated
// config file still yields sane pacing behavior.
func Default() Config {
	return Config{
		Enabled:                   true,
		BaseDelay:                 5,
		MaxDelay:                  350,
		ThresholdPercent:          0,
		PollInterval:              60,
		SafetyBufferPct:           95.0,
		PreloadHours:              12.0,
		APITimeoutSeconds:         10,
		CleanupIntervalHours:      24,
		RetentionDays:             60,
		WeeklyLimitEnabled:        true,
		FiveHourLimitEnabled:      true,
		DelayStepPercent:          1.0,
		TempoMode:                 "auto",
		AutoTempoThresholdMinutes: 10,
		ConversationContextSize:   5,
		UserMessageMaxLength:      4096,
		MaxSilentToolNudges:       2,
		IntentValidationEnabled:   false,
		TDDEnabled:                true,
		StopHookTokenBudget:       16000,
		StopHookFirstNPairs:       10,
		LogLevel:                  2,
		PreferredSubagentModel:    "auto",
	}
}

// IsLangfuseEnabled reports whether the export pipeline is usable: both keys
// must be non-empty in addition to the feature flag.
func (c Config) IsLangfuseEnabled() bool {
	return c.LangfuseEnabled && c.LangfusePublicKey != "" && c.LangfuseSecretKey != ""
}

// Load reads path, overlaying onto Default() so a partial file still yields a
// complete Config. A missing file is not an error: it returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Watcher reloads Config from disk whenever the backing file changes, for a
// process that outlives a single config read. The hook commands call Load once
// per invocation and do not construct one.
type Watcher struct {
	mu      sync.RWMutex
	current Config
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher loads path immediately and starts watching it for writes/renames.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		// Config file may not exist yet; watch its directory instead so a later
		// create is still observed.
		_ = fw.Close()
		fw, err = fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		if err := fw.Add(filepath.Dir(path)); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	w := &Watcher{current: cfg, path: path, watcher: fw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous value")
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-w.done:
			return
		}
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
