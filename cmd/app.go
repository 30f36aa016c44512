package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/guardrail/config"
	"github.com/angeloszaimis/guardrail/internal/ageverify"
	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
	"github.com/angeloszaimis/guardrail/internal/compliance"
	"github.com/angeloszaimis/guardrail/internal/healthcheck"
	"github.com/angeloszaimis/guardrail/internal/httpserver"
	"github.com/angeloszaimis/guardrail/internal/metrics"
	"github.com/angeloszaimis/guardrail/internal/moderation"
	"github.com/angeloszaimis/guardrail/internal/upstream"
	"github.com/angeloszaimis/guardrail/pkg/logger"
)

const (
	dependencyModeration      = "moderation"
	dependencyCompliance      = "compliance"
	dependencyAgeVerification = "age_verification"

	complianceFlushTimeout = 5 * time.Second
)

type app struct {
	cfg *config.Config
	log *slog.Logger

	promRegistry *prometheus.Registry
	collector    *metrics.Collector
	breakers     *circuitbreaker.Registry
	upstreams    []*upstream.Upstream

	compliance *compliance.Client
	moderation *moderation.Client
	ageVerify  *ageverify.Client
}

// newApp wires every dependency client against its own upstream and breaker.
// Nothing is started; serve and the one-shot commands decide what runs.
func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector := metrics.NewCollector(cfg.Metrics.BufferSize, logger.Component(log, "metrics"), promRegistry)

	upstreams, err := initializeUpstreams(cfg, log, collector)
	if err != nil {
		return nil, err
	}

	breakers := circuitbreaker.NewRegistry()
	byName := make(map[string]*upstream.Upstream, len(upstreams))
	for _, u := range upstreams {
		if err := breakers.Register(u.Breaker()); err != nil {
			return nil, err
		}
		byName[u.Name()] = u
		collector.Track(u.Name(), u.Breaker().State(), u.IsHealthy())
	}

	complianceClient := compliance.New(
		byName[dependencyCompliance],
		cfg.Services.Compliance.QueueSize,
		cfg.Services.Compliance.Workers,
		compliance.WithLogger(logger.Component(log, dependencyCompliance)),
		compliance.WithFallbackRecorder(collector),
		compliance.WithDropRecorder(collector),
	)

	moderationClient := moderation.New(
		byName[dependencyModeration],
		moderation.WithLogger(logger.Component(log, dependencyModeration)),
		moderation.WithFallbackRecorder(collector),
		moderation.WithAuditor(complianceClient),
		moderation.WithLocalScreen(moderation.NewScreen()),
	)

	ageVerifyClient, err := ageverify.New(
		byName[dependencyAgeVerification],
		cfg.Auth,
		ageverify.WithLogger(logger.Component(log, dependencyAgeVerification)),
		ageverify.WithFallbackRecorder(collector),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:          cfg,
		log:          log,
		promRegistry: promRegistry,
		collector:    collector,
		breakers:     breakers,
		upstreams:    upstreams,
		compliance:   complianceClient,
		moderation:   moderationClient,
		ageVerify:    ageVerifyClient,
	}, nil
}

// initializeUpstreams builds one upstream per configured service, in a fixed
// order. observer may be nil.
func initializeUpstreams(cfg *config.Config, log *slog.Logger, observer circuitbreaker.Observer) ([]*upstream.Upstream, error) {
	services := []struct {
		name string
		cfg  config.ServiceConfig
	}{
		{dependencyModeration, cfg.Services.Moderation},
		{dependencyCompliance, cfg.Services.Compliance.ServiceConfig},
		{dependencyAgeVerification, cfg.Services.AgeVerification},
	}

	var breakerOpts []circuitbreaker.Option
	if observer != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithObserver(observer))
	}

	upstreams := make([]*upstream.Upstream, 0, len(services))
	for _, svc := range services {
		u, err := upstream.New(svc.name, svc.cfg,
			upstream.WithLogger(logger.Component(log, "upstream")),
			upstream.WithBreakerOptions(breakerOpts...),
		)
		if err != nil {
			log.Error("Failed to initialize upstream",
				slog.String("dependency", svc.name),
				slog.String("url", svc.cfg.BaseURL),
				slog.Any("err", err))
			return nil, err
		}
		upstreams = append(upstreams, u)
	}

	return upstreams, nil
}

// serve runs the admin server, health checks and background workers until
// ctx is done or one of them fails.
func (a *app) serve(ctx context.Context) error {
	srv, err := httpserver.New(a.cfg.Server.Address, setupRouter(a))
	if err != nil {
		return fmt.Errorf("create admin server: %w", err)
	}

	stopBackground := a.startWorkers(ctx)
	defer stopBackground()

	g, gctx := errgroup.WithContext(ctx)

	healthLog := logger.Component(a.log, "healthcheck")
	for _, u := range a.upstreams {
		g.Go(func() error {
			healthcheck.HealthCheck(gctx, u, a.cfg.HealthCheck.Interval, healthLog, a.collector)
			return nil
		})
	}

	g.Go(func() error {
		a.log.Info("Admin server listening", slog.String("addr", srv.Addr()))
		return srv.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down gracefully...")
		return srv.Shutdown(context.Background())
	})

	err = g.Wait()
	a.stopWorkers(stopBackground)

	return err
}

// startWorkers runs the collector and the compliance workers on a context
// detached from ctx, so they outlive the errgroup in serve and the queue can
// still be flushed on the way out. The returned func stops them.
func (a *app) startWorkers(ctx context.Context) context.CancelFunc {
	background, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.collector.Start(background)
	a.compliance.Start(background)
	return stop
}

// stopWorkers flushes the compliance queue, then stops the workers and the
// collector started on the context cancelled by stop.
func (a *app) stopWorkers(stop context.CancelFunc) {
	flushCtx, cancel := context.WithTimeout(context.Background(), complianceFlushTimeout)
	defer cancel()
	if err := a.compliance.Flush(flushCtx); err != nil {
		a.log.Warn("Compliance queue not fully flushed", slog.Any("err", err))
	}

	stop()
	a.compliance.Wait()
	<-a.collector.Done()
}

type probeResult struct {
	Dependency string `json:"dependency"`
	URL        string `json:"url"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
}

// probe checks every upstream once, concurrently. Results keep upstream order.
func (a *app) probe(ctx context.Context) []probeResult {
	results := make([]probeResult, len(a.upstreams))
	healthLog := logger.Component(a.log, "healthcheck")

	var g errgroup.Group
	for i, u := range a.upstreams {
		g.Go(func() error {
			err := healthcheck.Check(ctx, u, healthLog, nil)
			results[i] = probeResult{
				Dependency: u.Name(),
				URL:        u.BaseURL().String(),
				Healthy:    err == nil,
			}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
