package healthcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/angeloszaimis/guardrail/internal/upstream"
)

// Reporter is told about health transitions.
type Reporter interface {
	HealthChanged(dependency string, healthy bool)
}

// Check probes the dependency once and records the result. It returns the
// probe error, if any.
func Check(ctx context.Context, u *upstream.Upstream, logger *slog.Logger, reporter Reporter) error {
	err := u.Probe(ctx)
	healthy := err == nil
	changed := u.SetHealthy(healthy)

	if changed {
		if healthy {
			logger.Info("Dependency is back up",
				slog.String("dependency", u.Name()),
				slog.String("url", u.BaseURL().String()))
		} else {
			logger.Warn("Dependency is down",
				slog.String("dependency", u.Name()),
				slog.String("url", u.BaseURL().String()),
				slog.Any("err", err))
		}
		if reporter != nil {
			reporter.HealthChanged(u.Name(), healthy)
		}
	}

	return err
}

// HealthCheck probes u every interval until ctx is done.
func HealthCheck(
	ctx context.Context,
	u *upstream.Upstream,
	interval time.Duration,
	logger *slog.Logger,
	reporter Reporter,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("dependency", u.Name()))
			return

		case <-ticker.C:
			_ = Check(ctx, u, logger, reporter)
		}
	}
}
