package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-resty/resty/v2"

	"github.com/angeloszaimis/guardrail/config"
	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
)

const (
	ewmaAlpha = 0.2

	// maxErrorBody caps how much of a failed response ends up in errors and logs.
	maxErrorBody = 256

	HealthPath = "/healthz"
)

// FallbackRecorder is told whenever a client substitutes its fail-safe
// default for a real answer.
type FallbackRecorder interface {
	FallbackApplied(dependency, operation string, err error)
}

// Request describes one call relative to the upstream base URL.
type Request struct {
	Method    string
	Path      string
	Body      any
	Headers   map[string]string
	AuthToken string
}

// Upstream is a remote dependency guarded by its own circuit breaker.
type Upstream struct {
	name    string
	baseURL *url.URL
	client  *resty.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger

	mutex            sync.Mutex
	isHealthy        bool
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

type options struct {
	logger      *slog.Logger
	breakerOpts []circuitbreaker.Option
	transport   http.RoundTripper
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBreakerOptions passes options through to the owned circuit breaker.
func WithBreakerOptions(opts ...circuitbreaker.Option) Option {
	return func(o *options) {
		o.breakerOpts = append(o.breakerOpts, opts...)
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// New creates an upstream for the named dependency. The upstream starts in a
// healthy state with a closed breaker.
func New(name string, cfg config.ServiceConfig, opts ...Option) (*Upstream, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: invalid base URL: %w", name, err)
	}

	logger := o.logger.With(slog.String("dependency", name))

	breakerOpts := append([]circuitbreaker.Option{circuitbreaker.WithLogger(o.logger)}, o.breakerOpts...)
	breaker, err := circuitbreaker.New(circuitbreaker.Settings{
		Name:             name,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     cfg.Breaker.OpenDuration,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, breakerOpts...)
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "guardrail/1.0")
	if o.transport != nil {
		client.SetTransport(o.transport)
	}

	return &Upstream{
		name:      name,
		baseURL:   baseURL,
		client:    client,
		breaker:   breaker,
		logger:    logger,
		isHealthy: true,
	}, nil
}

func (u *Upstream) Name() string {
	return u.name
}

func (u *Upstream) BaseURL() *url.URL {
	return u.baseURL
}

func (u *Upstream) Breaker() *circuitbreaker.CircuitBreaker {
	return u.breaker
}

// Call sends req through the breaker and decodes the data object of the
// response envelope into out. out may be nil when the caller only cares that
// the call succeeded. If out implements validation.Validatable, a payload that
// fails validation is a malformed response and counts as a failed call.
func (u *Upstream) Call(ctx context.Context, req Request, out any) error {
	return u.breaker.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		resp, err := u.newRequest(ctx, req).Execute(req.Method, req.Path)
		u.RecordResponse(time.Since(start))
		if err != nil {
			return err
		}
		return decode(resp, out)
	})
}

// Probe hits the dependency's health endpoint directly. It bypasses the
// breaker: health reporting never drives breaker state.
func (u *Upstream) Probe(ctx context.Context) error {
	resp, err := u.client.R().SetContext(ctx).Get(HealthPath)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String())}
	}
	return nil
}

func (u *Upstream) newRequest(ctx context.Context, req Request) *resty.Request {
	r := u.client.R().SetContext(ctx)
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}
	if req.AuthToken != "" {
		r.SetAuthToken(req.AuthToken)
	}
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(resp *resty.Response, out any) error {
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String())}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.Success {
		if env.Error != "" {
			return fmt.Errorf("%w: %s", ErrUnsuccessful, env.Error)
		}
		return ErrUnsuccessful
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if v, ok := out.(validation.Validatable); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}

// IsHealthy returns the status last reported by the health checker.
func (u *Upstream) IsHealthy() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.isHealthy
}

// SetHealthy reports whether the status changed.
func (u *Upstream) SetHealthy(healthy bool) (changed bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.isHealthy == healthy {
		return false
	}

	u.isHealthy = healthy
	return true
}

// RecordResponse folds the latest call duration into the moving average.
func (u *Upstream) RecordResponse(duration time.Duration) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		u.ewmaResponseTime = duration
		u.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	u.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(u.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns 0 until a response has been recorded.
func (u *Upstream) EWMATime() time.Duration {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		return 0
	}

	return u.ewmaResponseTime
}
