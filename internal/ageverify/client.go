package ageverify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/guardrail/config"
	"github.com/angeloszaimis/guardrail/internal/upstream"
)

const (
	StatusPath       = "/age/status"
	CheckAccessPath  = "/age/check-access"
	RestrictionsPath = "/age/restrictions"

	UserIDHeader = "X-User-ID"
)

// Content ratings, least to most restricted.
const (
	RatingU  = "U"
	RatingPG = "PG"
	Rating12 = "12"
	Rating15 = "15"
	Rating18 = "18"
)

type Status struct {
	Verified bool `json:"verified"`
	Age      *int `json:"age"`
}

type Access struct {
	CanAccess     bool   `json:"canAccess"`
	UserAge       *int   `json:"userAge"`
	ContentRating string `json:"contentRating"`
}

type RestrictionSet struct {
	ContentRating string `json:"contentRating"`
}

type Restrictions struct {
	Verified     bool           `json:"verified"`
	Restrictions RestrictionSet `json:"restrictions"`
}

type Client struct {
	upstream  *upstream.Upstream
	tokens    *tokenSource
	logger    *slog.Logger
	fallbacks upstream.FallbackRecorder
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

func New(u *upstream.Upstream, auth config.AuthConfig, opts ...Option) (*Client, error) {
	c := &Client{
		upstream: u,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "ageverify"))

	tokens, err := newTokenSource(u, auth, c.logger)
	if err != nil {
		return nil, err
	}
	c.tokens = tokens

	return c, nil
}

type statusResponse struct {
	Verified *bool `json:"verified"`
	Age      *int  `json:"age"`
}

func (r statusResponse) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Verified, validation.NotNil),
	)
}

// GetVerificationStatus returns {Verified: false, Age: nil} when the service
// cannot answer.
func (c *Client) GetVerificationStatus(ctx context.Context, userID string) Status {
	var out statusResponse
	err := c.upstream.Call(ctx, upstream.Request{
		Method:  http.MethodGet,
		Path:    StatusPath,
		Headers: map[string]string{UserIDHeader: userID},
	}, &out)
	if err != nil {
		c.fallback("verification_status", userID, err)
		return Status{Verified: false, Age: nil}
	}

	return Status{Verified: *out.Verified, Age: out.Age}
}

type accessRequest struct {
	ContentRating string `json:"contentRating"`
}

type accessResponse struct {
	CanAccess     *bool  `json:"canAccess"`
	UserAge       *int   `json:"userAge"`
	ContentRating string `json:"contentRating"`
}

func (r accessResponse) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CanAccess, validation.NotNil),
	)
}

// CheckContentAccess denies access when the service cannot answer. An empty
// rating means PG.
func (c *Client) CheckContentAccess(ctx context.Context, userID, contentRating string) Access {
	if contentRating == "" {
		contentRating = RatingPG
	}

	var out accessResponse
	err := c.callWithToken(ctx, upstream.Request{
		Method:  http.MethodPost,
		Path:    CheckAccessPath,
		Body:    accessRequest{ContentRating: contentRating},
		Headers: map[string]string{UserIDHeader: userID},
	}, &out)
	if err != nil {
		c.fallback("check_content_access", userID, err)
		return Access{CanAccess: false, UserAge: nil, ContentRating: contentRating}
	}

	access := Access{CanAccess: *out.CanAccess, UserAge: out.UserAge, ContentRating: out.ContentRating}
	if access.ContentRating == "" {
		access.ContentRating = contentRating
	}
	return access
}

// GetAgeRestrictions falls back to an unverified user limited to U content.
func (c *Client) GetAgeRestrictions(ctx context.Context, userID string) Restrictions {
	var out Restrictions
	err := c.callWithToken(ctx, upstream.Request{
		Method:  http.MethodGet,
		Path:    RestrictionsPath,
		Headers: map[string]string{UserIDHeader: userID},
	}, &out)
	if err != nil {
		c.fallback("age_restrictions", userID, err)
		return Restrictions{Verified: false, Restrictions: RestrictionSet{ContentRating: RatingU}}
	}

	return out
}

// callWithToken attaches the service token. A 401 drops the cached token so
// the next call logs in again.
func (c *Client) callWithToken(ctx context.Context, req upstream.Request, out any) error {
	req.AuthToken = c.tokens.Token(ctx)

	err := c.upstream.Call(ctx, req, out)
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	return err
}

func (c *Client) fallback(operation, userID string, err error) {
	c.logger.Error("Age verification failed, failing closed",
		slog.String("operation", operation),
		slog.String("user_id", userID),
		slog.Any("err", err))
	if c.fallbacks != nil {
		c.fallbacks.FallbackApplied(c.upstream.Name(), operation, err)
	}
}
