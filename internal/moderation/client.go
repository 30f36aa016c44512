package moderation

import (
	"context"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/guardrail/internal/compliance"
	"github.com/angeloszaimis/guardrail/internal/upstream"
)

const (
	AnalyzePath = "/moderation/analyze"
	ReportPath  = "/moderation/report"

	CategoryBlocked = "blocked"

	ReasonUnavailable = "service unavailable"

	defaultContentType = "text"
)

// Result is the moderation verdict for one piece of content.
type Result struct {
	IsSafe   bool     `json:"isSafe"`
	Reasons  []string `json:"reasons"`
	Category string   `json:"category"`
}

// Blocked is returned whenever no trustworthy verdict is available.
func Blocked() Result {
	return Result{IsSafe: false, Reasons: []string{ReasonUnavailable}, Category: CategoryBlocked}
}

// Auditor records moderation checks for compliance. compliance.Client
// satisfies it.
type Auditor interface {
	LogEvent(event compliance.Event) string
}

type Client struct {
	upstream  *upstream.Upstream
	logger    *slog.Logger
	fallbacks upstream.FallbackRecorder
	auditor   Auditor
	screen    *Screen
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

func WithAuditor(auditor Auditor) Option {
	return func(c *Client) {
		c.auditor = auditor
	}
}

// WithLocalScreen blocks content matching the local rules without asking the
// service.
func WithLocalScreen(screen *Screen) Option {
	return func(c *Client) {
		c.screen = screen
	}
}

func New(u *upstream.Upstream, opts ...Option) *Client {
	c := &Client{
		upstream: u,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "moderation"))

	return c
}

type analyzeRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
}

// analysis keeps isSafe optional so a response without a verdict is rejected
// instead of read as unsafe=false.
type analysis struct {
	IsSafe   *bool    `json:"isSafe"`
	Reasons  []string `json:"reasons"`
	Category string   `json:"category"`
}

func (a analysis) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.IsSafe, validation.NotNil),
	)
}

// AnalyzeContent never fails: any error, including an open breaker, yields
// Blocked().
func (c *Client) AnalyzeContent(ctx context.Context, content, contentType, userID string) Result {
	if contentType == "" {
		contentType = defaultContentType
	}

	if c.screen != nil {
		if reasons := c.screen.Check(content); len(reasons) > 0 {
			c.logger.Info("Content blocked by local screen",
				slog.String("user_id", userID),
				slog.Any("reasons", reasons))
			return Result{IsSafe: false, Reasons: reasons, Category: CategoryBlocked}
		}
	}

	var out analysis
	err := c.upstream.Call(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   AnalyzePath,
		Body:   analyzeRequest{Content: content, Type: contentType, UserID: userID},
	}, &out)
	if err != nil {
		c.logger.Error("Moderation API failed, blocking content",
			slog.String("user_id", userID),
			slog.String("type", contentType),
			slog.Any("err", err))
		if c.fallbacks != nil {
			c.fallbacks.FallbackApplied(c.upstream.Name(), "analyze_content", err)
		}
		c.audit(compliance.Event{
			Category: compliance.CategoryContentModeration,
			Action:   "moderation_api_failure",
			UserID:   userID,
			Details: map[string]any{
				"endpoint": c.endpoint(),
				"error":    err.Error(),
			},
			ComplianceFrameworks: []string{compliance.FrameworkDSA},
		})
		return Blocked()
	}

	result := Result{IsSafe: *out.IsSafe, Reasons: out.Reasons, Category: out.Category}
	if result.Reasons == nil {
		result.Reasons = []string{}
	}

	c.audit(compliance.Event{
		Category: compliance.CategoryContentModeration,
		Action:   "moderation_checked",
		UserID:   userID,
		Details: map[string]any{
			"endpoint": c.endpoint(),
			"isSafe":   result.IsSafe,
			"reasons":  result.Reasons,
			"category": result.Category,
		},
		ComplianceFrameworks: []string{compliance.FrameworkDSA},
	})

	return result
}

func (c *Client) audit(event compliance.Event) {
	if c.auditor == nil {
		return
	}
	c.auditor.LogEvent(event)
}

func (c *Client) endpoint() string {
	return c.upstream.BaseURL().JoinPath(AnalyzePath).String()
}
