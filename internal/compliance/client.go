package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/guardrail/internal/upstream"
)

const (
	LogPath = "/compliance/log"

	DropQueueFull = "queue_full"
	DropStopped   = "stopped"

	flushPollInterval = 10 * time.Millisecond
)

// DropRecorder counts events that never made it into the delivery queue or
// were still queued at shutdown.
type DropRecorder interface {
	ComplianceDropped(reason string)
}

type queued struct {
	id    string
	event Event
}

type Client struct {
	upstream  *upstream.Upstream
	queue     chan queued
	workers   int
	logger    *slog.Logger
	fallbacks upstream.FallbackRecorder
	drops     DropRecorder
	now       func() time.Time
	pending   atomic.Int64

	mutex   sync.RWMutex
	started bool
	stopped bool
	group   *errgroup.Group
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithFallbackRecorder(recorder upstream.FallbackRecorder) Option {
	return func(c *Client) {
		c.fallbacks = recorder
	}
}

func WithDropRecorder(recorder DropRecorder) Option {
	return func(c *Client) {
		c.drops = recorder
	}
}

// New creates a client delivering through u. Events are buffered up to
// queueSize; delivery starts with Start.
func New(u *upstream.Upstream, queueSize, workers int, opts ...Option) *Client {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}

	c := &Client{
		upstream: u,
		queue:    make(chan queued, queueSize),
		workers:  workers,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "compliance"))

	return c
}

// LogEvent returns a local event id immediately. Delivery happens in the
// background; the caller never waits on the compliance service and never sees
// its failures.
func (c *Client) LogEvent(event Event) string {
	id := c.newID()

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.stopped {
		c.drop(id, event, DropStopped)
		return id
	}

	c.pending.Add(1)
	select {
	case c.queue <- queued{id: id, event: event}:
	default:
		c.pending.Add(-1)
		c.drop(id, event, DropQueueFull)
	}
	return id
}

// Start launches the delivery workers. They stop when ctx is done; events
// still queued at that point are dropped.
func (c *Client) Start(ctx context.Context) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.started {
		return
	}
	c.started = true

	c.group = &errgroup.Group{}
	for i := 0; i < c.workers; i++ {
		c.group.Go(func() error {
			c.work(ctx)
			return nil
		})
	}

	c.logger.Info("Compliance workers started", slog.Int("workers", c.workers))
}

// Wait blocks until the workers started by Start have exited.
func (c *Client) Wait() {
	c.mutex.RLock()
	group := c.group
	c.mutex.RUnlock()

	if group == nil {
		return
	}
	_ = group.Wait()

	for {
		select {
		case q := <-c.queue:
			c.pending.Add(-1)
			c.drop(q.id, q.event, DropStopped)
		default:
			c.logger.Info("Compliance workers stopped")
			return
		}
	}
}

func (c *Client) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.stop()
			return
		case q := <-c.queue:
			c.deliver(ctx, q)
			c.pending.Add(-1)
		}
	}
}

// Flush blocks until every accepted event has been attempted or ctx is done.
// It does not stop the workers.
func (c *Client) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for c.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Client) stop() {
	c.mutex.Lock()
	c.stopped = true
	c.mutex.Unlock()
}

func (c *Client) deliver(ctx context.Context, q queued) {
	err := c.upstream.Call(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   LogPath,
		Body:   q.event,
	}, nil)
	if err == nil {
		c.logger.Debug("compliance event delivered",
			slog.String("event_id", q.id),
			slog.String("action", q.event.Action))
		return
	}

	if errors.Is(err, context.Canceled) {
		c.drop(q.id, q.event, DropStopped)
		return
	}

	c.logger.Warn("Compliance logging failed",
		slog.String("event_id", q.id),
		slog.String("category", q.event.Category),
		slog.String("action", q.event.Action),
		slog.Any("err", err))
	if c.fallbacks != nil {
		c.fallbacks.FallbackApplied(c.upstream.Name(), "log_event", err)
	}
}

func (c *Client) drop(id string, event Event, reason string) {
	c.logger.Warn("Compliance event dropped",
		slog.String("event_id", id),
		slog.String("action", event.Action),
		slog.String("reason", reason))
	if c.drops != nil {
		c.drops.ComplianceDropped(reason)
	}
}

// newID formats local_<unix millis>_<9 random hex chars>.
func (c *Client) newID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("local_%d_%s", c.now().UnixMilli(), random[:9])
}
