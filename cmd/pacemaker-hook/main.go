// pacemaker-hook is the single binary every Claude Code lifecycle hook
// points at, with a subcommand per event. The host inspects the exit code,
// not the JSON body: 0 means proceed, 2 means block / surface feedback.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lightspeeddms/pacemaker/internal/orchestrator"
	"github.com/lightspeeddms/pacemaker/internal/pacecfg"
	"github.com/lightspeeddms/pacemaker/internal/pacelog"
	"github.com/lightspeeddms/pacemaker/internal/pacepaths"
	"github.com/lightspeeddms/pacemaker/internal/pushclient"
	"github.com/lightspeeddms/pacemaker/internal/secretsvault"
	"github.com/lightspeeddms/pacemaker/internal/store"
	"github.com/lightspeeddms/pacemaker/internal/usageapi"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "pacemaker-hook",
	Short:   "Telemetry and pacing sidecar hooks for Claude Code",
	Version: Version,
}

type handlerFunc func(o *orchestrator.Orchestrator, ctx context.Context, ev orchestrator.HookEvent) orchestrator.Decision

func hookCmd(name, short string, fn handlerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runHook(name, fn))
		},
	}
}

func init() {
	rootCmd.AddCommand(
		hookCmd("session_start", "Reset per-session bookkeeping", (*orchestrator.Orchestrator).HandleSessionStart),
		hookCmd("user_prompt_submit", "Stage the turn's trace", (*orchestrator.Orchestrator).HandleUserPromptSubmit),
		hookCmd("pre_tool_use", "Validate intent before a tool runs", (*orchestrator.Orchestrator).HandlePreToolUse),
		hookCmd("post_tool_use", "Export spans and apply pacing", (*orchestrator.Orchestrator).HandlePostToolUse),
		hookCmd("subagent_start", "Register a subagent trace", (*orchestrator.Orchestrator).HandleSubagentStart),
		hookCmd("subagent_stop", "Finalize a subagent trace", (*orchestrator.Orchestrator).HandleSubagentStop),
		hookCmd("stop", "Finalize the turn", (*orchestrator.Orchestrator).HandleStop),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runHook builds the orchestrator, decodes the stdin event, dispatches, and
// renders the decision. It never returns an exit code outside {0, 2}: every
// failure inside a side subsystem degrades to "proceed".
func runHook(hookName string, fn handlerFunc) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "pacemaker-hook: recovered: %v\n", r)
			code = 0
		}
	}()

	paths, err := pacepaths.Default()
	if err != nil {
		return 0
	}
	if err := paths.EnsureDirs(); err != nil {
		return 0
	}

	logger := pacelog.Init(pacelog.Config{Dir: paths.LogDir(), Component: hookName})

	cfg, err := pacecfg.Load(paths.ConfigFile())
	if err != nil {
		logger.Warn().Err(err).Msg("config load failed, using defaults")
	}

	o := buildOrchestrator(paths, cfg, logger)
	defer o.Store.Close()
	defer o.Vault.Close()

	ev := readEvent(logger)
	decision := fn(o, context.Background(), ev)
	emitDecision(hookName, decision)
	return decision.ExitCode
}

// buildOrchestrator wires every subsystem, degrading each one independently:
// a store that won't open, missing credentials, or missing Langfuse keys
// disable just their own feature for this invocation.
func buildOrchestrator(paths pacepaths.Paths, cfg pacecfg.Config, logger zerolog.Logger) *orchestrator.Orchestrator {
	o := &orchestrator.Orchestrator{
		Paths:  paths,
		Config: cfg,
		Log:    logger,
	}

	if st, err := store.Open(paths.Database()); err != nil {
		logger.Warn().Err(err).Msg("store open failed, pacing/metrics disabled")
	} else {
		o.Store = st
	}
	if vault, err := secretsvault.Open(paths.SecretsDatabase()); err != nil {
		logger.Warn().Err(err).Msg("secrets vault open failed, masking disabled")
	} else {
		o.Vault = vault
	}

	if credsPath, err := pacepaths.CredentialsFile(); err == nil {
		if token, err := usageapi.LoadAccessToken(credsPath); err != nil {
			logger.Debug().Err(err).Msg("no OAuth credentials, usage polling disabled")
		} else {
			o.UsageClient = usageapi.NewClient("https://api.anthropic.com", token)
		}
	}

	if cfg.IsLangfuseEnabled() {
		o.Push = pushclient.New(cfg.LangfuseBaseURL, cfg.LangfusePublicKey, cfg.LangfuseSecretKey, logger)
	}
	return o
}

// readEvent decodes the single JSON event the host writes to stdin. A
// malformed or empty payload yields a zero event, never an error: the hook
// must proceed regardless.
func readEvent(logger zerolog.Logger) orchestrator.HookEvent {
	var ev orchestrator.HookEvent
	data, err := io.ReadAll(io.LimitReader(os.Stdin, 16*1024*1024))
	if err != nil {
		logger.Warn().Err(err).Msg("stdin read failed")
		return ev
	}
	if len(data) == 0 {
		return ev
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Warn().Err(err).Msg("malformed hook event on stdin")
	}
	return ev
}

// emitDecision renders the stdout contract: stop and pre_tool_use speak the
// continue/block JSON dialect, everything else the hookSpecificOutput shape
// (or nothing at all).
func emitDecision(hookName string, d orchestrator.Decision) {
	switch hookName {
	case "stop", "pre_tool_use":
		if d.Block {
			safePrintJSON(map[string]interface{}{"decision": "block", "reason": d.Reason})
		} else {
			safePrintJSON(map[string]interface{}{"continue": true})
		}
	default:
		if d.AdditionalContext == "" {
			return
		}
		safePrintJSON(map[string]interface{}{
			"hookSpecificOutput": map[string]interface{}{
				"hookEventName":     d.HookEventName,
				"additionalContext": d.AdditionalContext,
			},
		})
	}
}

// safePrintJSON writes to stdout, swallowing a broken pipe: the host may
// close the stream before the hook finishes writing.
func safePrintJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, err := os.Stdout.Write(append(data, '\n')); err != nil {
		if errors.Is(err, syscall.EPIPE) {
			return
		}
	}
}
