// Package pacing implements the target-pace projection and throttle-delay
// model that keeps tool usage inside the rolling 5-hour and 7-day quota
// windows.
package pacing

import (
	"context"
	"math"
	"time"

	"github.com/lightspeeddms/pacemaker/internal/store"
)

// Config carries the tunables of the pacing model. Zero-value fields are
// meaningless; callers should start from pacecfg.Config and populate this.
type Config struct {
	SafetyBufferPercent  float64
	PreloadHours         float64
	BaseDelaySeconds     float64
	MaxDelaySeconds      float64
	ThresholdPercent     float64
	StepPercent          float64
	WeeklyLimitEnabled   bool
	FiveHourLimitEnabled bool
	PollIntervalSeconds  int64
	CleanupIntervalHours int64
	RetentionDays        int
}

// DefaultMaxDelaySeconds is the hard cap: the host's hook
// invocation timeout is 360s, leaving a 10s safety margin.
const DefaultMaxDelaySeconds = 350

// WindowInput is a single quota window's current state.
type WindowInput struct {
	UtilizationPercent float64
	ResetsAt           time.Time
	HasResetsAt        bool
	WindowDuration     time.Duration
	Enabled            bool
}

// Projection reports the pace model's view of one window, for observability.
type Projection struct {
	TargetUtilization float64
	Deviation         float64
	SafeAllowance     float64
	BufferRemaining   float64
}

// fractionElapsed returns how much of the window (ending at resetsAt, of
// length dur) has elapsed, clamped to [0, 1].
func fractionElapsed(resetsAt time.Time, dur time.Duration, now time.Time) float64 {
	if dur <= 0 {
		return 1
	}
	start := resetsAt.Add(-dur)
	elapsed := now.Sub(start)
	frac := float64(elapsed) / float64(dur)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// project computes the Projection for one window. preloadHours treats the
// first preloadHours of the window as freely consumable: the target is
// clamped to 0 until that prefix elapses. Preload is only meaningful for the
// seven-day window, since the default preload of 12h exceeds a five-hour
// window's entire length.
func project(w WindowInput, safetyBuffer, preloadHours float64, now time.Time) Projection {
	safeAllowance := safetyBuffer
	if !w.HasResetsAt || w.WindowDuration <= 0 {
		return Projection{
			TargetUtilization: 0,
			Deviation:         w.UtilizationPercent,
			SafeAllowance:     safeAllowance,
			BufferRemaining:   safeAllowance - w.UtilizationPercent,
		}
	}

	frac := fractionElapsed(w.ResetsAt, w.WindowDuration, now)
	target := frac * safetyBuffer

	if preloadHours > 0 {
		preloadFrac := (time.Duration(preloadHours * float64(time.Hour))).Seconds() / w.WindowDuration.Seconds()
		if preloadFrac > 0 && frac < preloadFrac {
			target = 0
		}
	}

	return Projection{
		TargetUtilization: target,
		Deviation:         w.UtilizationPercent - target,
		SafeAllowance:     safeAllowance,
		BufferRemaining:   safeAllowance - w.UtilizationPercent,
	}
}

// Decision is the outcome of one pacing evaluation.
type Decision struct {
	ShouldThrottle bool
	DelaySeconds   int
	ConstrainedBy  string // "five_hour", "seven_day", or "" if not throttling
	FiveHour       Projection
	SevenDay       Projection
}

// delaySeconds implements the monotone schedule: base_delay at
// the threshold, doubling every step percent of additional deviation, capped
// at maxDelay.
func delaySeconds(deviation, threshold, step, base, maxDelay float64) int {
	if step <= 0 {
		step = 1
	}
	if deviation < threshold {
		return 0
	}
	doublings := math.Floor((deviation - threshold) / step)
	delay := base * math.Pow(2, doublings)
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return int(math.Round(delay))
}

// Decide applies the constrained-window-selection rule: the window with the
// larger positive deviation wins, subject to its enable flag; if neither
// window is engaged (deviation <= threshold) or disabled, no throttle.
func Decide(cfg Config, fiveHour, sevenDay WindowInput, now time.Time) Decision {
	fh := project(fiveHour, cfg.SafetyBufferPercent, 0, now)
	sd := project(sevenDay, cfg.SafetyBufferPercent, cfg.PreloadHours, now)

	decision := Decision{FiveHour: fh, SevenDay: sd}

	type candidate struct {
		name      string
		enabled   bool
		deviation float64
	}
	candidates := []candidate{
		{"five_hour", cfg.FiveHourLimitEnabled && fiveHour.Enabled, fh.Deviation},
		{"seven_day", cfg.WeeklyLimitEnabled && sevenDay.Enabled, sd.Deviation},
	}

	var best *candidate
	for i := range candidates {
		c := &candidates[i]
		if !c.enabled || c.deviation <= cfg.ThresholdPercent {
			continue
		}
		if best == nil || c.deviation > best.deviation {
			best = c
		}
	}

	if best == nil {
		return decision
	}

	delay := delaySeconds(best.deviation, cfg.ThresholdPercent, cfg.StepPercent, cfg.BaseDelaySeconds, cfg.MaxDelaySeconds)
	decision.ShouldThrottle = delay > 0
	decision.DelaySeconds = delay
	decision.ConstrainedBy = best.name
	return decision
}

// PollResult is the caller-supplied outcome of a usage-API fetch, kept free
// of any HTTP types so this package has no transport dependency.
type PollResult struct {
	FiveHour WindowInput
	SevenDay WindowInput
}

// FetchFunc retrieves the current usage windows from the remote API.
type FetchFunc func(ctx context.Context) (PollResult, error)

// RunLoopInput bundles the run loop's per-invocation state.
type RunLoopInput struct {
	Config          Config
	SessionID       string
	Now             time.Time
	LastPollTime    time.Time
	LastCleanupTime time.Time
	Fetch           FetchFunc
}

// RunLoopOutput reports what the run loop did, so the caller can persist
// updated poll/cleanup timestamps and decide whether to sleep.
type RunLoopOutput struct {
	Decision        Decision
	Polled          bool
	NewLastPollTime time.Time
	CleanedUp       bool
	NewLastCleanup  time.Time
}

// RunLoop implements the post-tool-use pacing run loop: poll if
// due, clean up stale snapshots if due, then decide from the latest
// snapshot (or a fresh poll result).
func RunLoop(ctx context.Context, st *store.Store, in RunLoopInput) (RunLoopOutput, error) {
	out := RunLoopOutput{NewLastPollTime: in.LastPollTime, NewLastCleanup: in.LastCleanupTime}

	pollInterval := time.Duration(in.Config.PollIntervalSeconds) * time.Second
	due := in.LastPollTime.IsZero() || in.Now.Sub(in.LastPollTime) >= pollInterval

	var result PollResult
	if due && in.Fetch != nil {
		res, err := in.Fetch(ctx)
		if err == nil {
			result = res
			out.Polled = true
			out.NewLastPollTime = in.Now
			if err := st.InsertUsageSnapshot(store.UsageSnapshot{
				Timestamp:        in.Now,
				FiveHourUtil:     result.FiveHour.UtilizationPercent,
				FiveHourResetsAt: optionalTime(result.FiveHour),
				SevenDayUtil:     result.SevenDay.UtilizationPercent,
				SevenDayResetsAt: optionalTime(result.SevenDay),
				SessionID:        in.SessionID,
			}); err != nil {
				return out, err
			}
		}
	}

	if !out.Polled {
		snaps, err := st.RecentSnapshots(int(in.Config.PollIntervalSeconds/60 + 1))
		if err != nil {
			return out, err
		}
		var latest *store.UsageSnapshot
		for i := range snaps {
			if snaps[i].SessionID == in.SessionID {
				latest = &snaps[i]
				break
			}
		}
		if latest != nil {
			result = PollResult{
				FiveHour: WindowInput{
					UtilizationPercent: latest.FiveHourUtil,
					ResetsAt:           zeroIfNil(latest.FiveHourResetsAt),
					HasResetsAt:        latest.FiveHourResetsAt != nil,
					WindowDuration:     5 * time.Hour,
					Enabled:            latest.FiveHourResetsAt != nil,
				},
				SevenDay: WindowInput{
					UtilizationPercent: latest.SevenDayUtil,
					ResetsAt:           zeroIfNil(latest.SevenDayResetsAt),
					HasResetsAt:        latest.SevenDayResetsAt != nil,
					WindowDuration:     7 * 24 * time.Hour,
					Enabled:            latest.SevenDayResetsAt != nil,
				},
			}
		}
	} else {
		result.FiveHour.WindowDuration = 5 * time.Hour
		result.FiveHour.Enabled = result.FiveHour.HasResetsAt
		result.SevenDay.WindowDuration = 7 * 24 * time.Hour
		result.SevenDay.Enabled = result.SevenDay.HasResetsAt
	}

	cleanupInterval := time.Duration(in.Config.CleanupIntervalHours) * time.Hour
	if in.LastCleanupTime.IsZero() || in.Now.Sub(in.LastCleanupTime) >= cleanupInterval {
		if _, err := st.CleanupOldSnapshots(in.Config.RetentionDays); err != nil {
			return out, err
		}
		out.CleanedUp = true
		out.NewLastCleanup = in.Now
	}

	decision := Decide(in.Config, result.FiveHour, result.SevenDay, in.Now)
	out.Decision = decision

	if err := st.InsertPacingDecision(store.PacingDecision{
		Timestamp:      in.Now,
		ShouldThrottle: decision.ShouldThrottle,
		DelaySeconds:   decision.DelaySeconds,
		SessionID:      in.SessionID,
	}); err != nil {
		return out, err
	}

	return out, nil
}

func optionalTime(w WindowInput) *time.Time {
	if !w.HasResetsAt {
		return nil
	}
	t := w.ResetsAt
	return &t
}

func zeroIfNil(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
