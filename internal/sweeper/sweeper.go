package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"r3chat/pkg/config"
	"r3chat/pkg/logger"
	"r3chat/pkg/metrics"
	"r3chat/pkg/models"
	"r3chat/pkg/store"
)

var storedCfg *config.Config

// SetConfig stores the config so admin triggers can invoke sweep runs
// on-demand.
func SetConfig(cfg *config.Config) {
	storedCfg = cfg
}

// RunImmediate triggers a single sweep using the stored config.
func RunImmediate() (int, error) {
	if storedCfg == nil {
		return 0, fmt.Errorf("no config registered for sweep run")
	}
	return runOnce(storedCfg)
}

// Start starts the sweep scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg *config.Config) (context.CancelFunc, error) {
	if !cfg.Sweeper.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Sweeper.Cron
	if cronExpr == "" {
		// every 5 minutes by default; staleness detection is cheap
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweeper_invalid_cron", "cron", cfg.Sweeper.Cron)
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cfg.Sweeper.Cron)
	}

	logger.Info("sweeper_enabled", "cron", cronExpr, "staleness", cfg.Staleness().String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, cfg *config.Config, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := runOnce(cfg); err != nil {
				logger.Error("sweep_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}
	}
}

// runOnce force-finalizes stale streaming messages, prunes idle presence
// records and drops expired quota counters. Returns the number of
// messages finalized.
func runOnce(cfg *config.Config) (int, error) {
	start := time.Now()

	cutoff := time.Now().UTC().Add(-cfg.Staleness()).UnixNano()
	stale, err := store.ScanStreaming(cutoff)
	if err != nil {
		return 0, err
	}
	finalized := 0
	for _, m := range stale {
		// A message in streaming status must never be silently
		// abandoned; force it into a terminal error state.
		_, err := store.AppendStreamingUpdate(m.ID, m.Content, models.StatusError, m.Version)
		if err == store.ErrVersionMismatch || err == store.ErrNotFound {
			// A late writer got there first; nothing to do.
			continue
		}
		if err != nil {
			logger.Error("sweep_finalize_failed", "msg_id", m.ID, "error", err)
			continue
		}
		finalized++
		metrics.SweepFinalized.Inc()
		logger.Warn("sweep_finalized_stale_stream", "msg_id", m.ID, "conversation", m.Conversation, "age", time.Since(time.Unix(0, m.UpdatedTS)).String())
	}

	presenceCutoff := time.Now().UTC().Add(-cfg.PresenceIdle()).UnixNano()
	pruned, err := store.PrunePresence(presenceCutoff)
	if err != nil {
		logger.Error("sweep_presence_prune_failed", "error", err)
	}

	// Daily counters older than two days can never be read again.
	if err := store.PruneQuotaCounters(time.Now().UTC().Add(-48 * time.Hour)); err != nil {
		logger.Error("sweep_quota_prune_failed", "error", err)
	}

	logger.Info("sweep_completed", "finalized", finalized, "presence_pruned", pruned, "duration", time.Since(start).String())
	return finalized, nil
}
