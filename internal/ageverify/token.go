package ageverify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	"github.com/angeloszaimis/guardrail/config"
	"github.com/angeloszaimis/guardrail/internal/upstream"
)

const (
	LoginPath = "/auth/service-login"

	serviceTokenKey = "service"

	// expirySkew keeps a JWT from being used in its last seconds.
	expirySkew = 30 * time.Second
)

type loginRequest struct {
	ServiceID string `json:"serviceId"`
	Secret    string `json:"secret,omitempty"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// tokenSource is a read-through cache holding the single service token.
type tokenSource struct {
	upstream *upstream.Upstream
	auth     config.AuthConfig
	cache    *otter.Cache[string, string]
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

func newTokenSource(u *upstream.Upstream, auth config.AuthConfig, logger *slog.Logger) (*tokenSource, error) {
	cache, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      1,
		ExpiryCalculator: otter.ExpiryWriting[string, string](auth.TokenTTL),
	})
	if err != nil {
		return nil, err
	}

	return &tokenSource{
		upstream: u,
		auth:     auth,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Token returns the cached service token, logging in on a miss. Concurrent
// misses share one login. When the login fails the configured fallback token
// is returned and nothing is cached.
func (t *tokenSource) Token(ctx context.Context) string {
	if token, ok := t.cache.GetIfPresent(serviceTokenKey); ok {
		return token
	}

	v, err, _ := t.group.Do(serviceTokenKey, func() (any, error) {
		if token, ok := t.cache.GetIfPresent(serviceTokenKey); ok {
			return token, nil
		}
		return t.login(ctx)
	})
	if err != nil {
		t.logger.Error("Service authentication failed, using fallback token", slog.Any("err", err))
		return t.auth.FallbackToken
	}
	return v.(string)
}

// Invalidate drops the cached token so the next call logs in again.
func (t *tokenSource) Invalidate() {
	t.cache.Invalidate(serviceTokenKey)
}

func (t *tokenSource) login(ctx context.Context) (string, error) {
	var out loginResponse
	err := t.upstream.Call(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   LoginPath,
		Body:   loginRequest{ServiceID: t.auth.ServiceID, Secret: t.auth.Secret},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", upstream.ErrMalformed
	}

	ttl := t.ttl(out.Token)
	if ttl > 0 {
		t.cache.Set(serviceTokenKey, out.Token)
		t.cache.SetExpiresAfter(serviceTokenKey, ttl)
	}
	t.logger.Debug("service token refreshed", slog.Duration("ttl", ttl))

	return out.Token, nil
}

// ttl is the configured lifetime, shortened to the token's own exp claim when
// the token is a JWT carrying one. The signature is not checked: the token is
// only ever handed back to the service that issued it.
func (t *tokenSource) ttl(token string) time.Duration {
	ttl := t.auth.TokenTTL

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ttl
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ttl
	}

	if remaining := exp.Sub(t.now()) - expirySkew; remaining < ttl {
		return remaining
	}
	return ttl
}
