// fakeapi is a stand-in for the moderation, compliance and age verification
// services. It speaks the {success,data,error} envelope under /api and can be
// switched into failure modes at runtime through /_control.
//
// Usage:
//
//	go run ./scripts/fakeapi -port 3000 -secret s3cret
//	curl -X POST 'localhost:3000/_control?down=true'
//	curl -X POST 'localhost:3000/_control?down=false&latency=2s'
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angeloszaimis/guardrail/pkg/logger"
)

const tokenLifetime = 15 * time.Minute

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type fakeAPI struct {
	log     *slog.Logger
	secret  []byte
	down    atomic.Bool
	latency atomic.Int64
}

func main() {
	var (
		port    = flag.Int("port", 3000, "port to listen on")
		secret  = flag.String("secret", "s3cret", "HMAC secret used to sign service tokens")
		down    = flag.Bool("down", false, "start failing every /api request with 503")
		latency = flag.Duration("latency", 0, "delay added to every /api request")
	)
	flag.Parse()

	api := &fakeAPI{
		log:    logger.New("info", false, "dev"),
		secret: []byte(*secret),
	}
	api.down.Store(*down)
	api.latency.Store(int64(*latency))

	addr := fmt.Sprintf(":%d", *port)
	api.log.Info("starting fake dependency API", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, api.routes()); err != nil {
		api.log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func (a *fakeAPI) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]string{"status": "ok"})
	})
	api.HandleFunc("POST /moderation/analyze", a.analyze)
	api.HandleFunc("POST /moderation/report", a.report)
	api.HandleFunc("POST /compliance/log", a.complianceLog)
	api.HandleFunc("POST /auth/service-login", a.login)
	api.HandleFunc("GET /age/status", a.ageStatus)
	api.HandleFunc("POST /age/check-access", a.requireToken(a.checkAccess))
	api.HandleFunc("GET /age/restrictions", a.requireToken(a.restrictions))

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", a.chaos(api)))
	mux.HandleFunc("POST /_control", a.control)
	return mux
}

// chaos applies the current failure mode before any /api handler runs.
func (a *fakeAPI) chaos(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := time.Duration(a.latency.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if a.down.Load() {
			a.log.Info("failing request", slog.String("path", r.URL.Path))
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *fakeAPI) control(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if v := q.Get("down"); v != "" {
		a.down.Store(v == "true")
	}
	if v := q.Get("latency"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid latency")
			return
		}
		a.latency.Store(int64(d))
	}

	a.log.Info("failure mode updated",
		slog.Bool("down", a.down.Load()),
		slog.Duration("latency", time.Duration(a.latency.Load())))
	writeData(w, map[string]any{
		"down":    a.down.Load(),
		"latency": time.Duration(a.latency.Load()).String(),
	})
}

func (a *fakeAPI) analyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type"`
		UserID  string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	reasons := []string{}
	category := "clean"
	if strings.Contains(strings.ToLower(req.Content), "unsafe") {
		reasons = append(reasons, "flagged by keyword")
		category = "harassment"
	}

	a.log.Info("content analyzed",
		slog.String("user_id", req.UserID),
		slog.String("type", req.Type),
		slog.String("category", category))
	writeData(w, map[string]any{
		"isSafe":   len(reasons) == 0,
		"reasons":  reasons,
		"category": category,
	})
}

func (a *fakeAPI) report(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]string{"id": uuid.NewString(), "status": "received"})
}

func (a *fakeAPI) complianceLog(w http.ResponseWriter, r *http.Request) {
	var event map[string]any
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	a.log.Info("compliance event stored",
		slog.Any("category", event["category"]),
		slog.Any("action", event["action"]))
	writeData(w, map[string]string{"id": uuid.NewString()})
}

func (a *fakeAPI) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceID string `json:"serviceId"`
		Secret    string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServiceID == "" {
		writeError(w, http.StatusBadRequest, "serviceId required")
		return
	}
	if req.Secret != string(a.secret) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   req.ServiceID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}).SignedString(a.secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}

	writeData(w, map[string]string{"token": token})
}

func (a *fakeAPI) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			a.log.Info("token rejected", slog.Any("err", err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

// userAge derives a stable age from the user id: ids starting with "minor"
// are 15, "unverified" users have no age, everyone else is 21.
func userAge(userID string) (int, bool) {
	switch {
	case strings.HasPrefix(userID, "unverified"):
		return 0, false
	case strings.HasPrefix(userID, "minor"):
		return 15, true
	default:
		return 21, true
	}
}

var minimumAge = map[string]int{"U": 0, "PG": 0, "12": 12, "15": 15, "18": 18}

func (a *fakeAPI) ageStatus(w http.ResponseWriter, r *http.Request) {
	age, verified := userAge(r.Header.Get("X-User-ID"))
	data := map[string]any{"verified": verified, "age": nil}
	if verified {
		data["age"] = age
	}
	writeData(w, data)
}

func (a *fakeAPI) checkAccess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentRating string `json:"contentRating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	minimum, ok := minimumAge[req.ContentRating]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown content rating")
		return
	}

	age, verified := userAge(r.Header.Get("X-User-ID"))
	data := map[string]any{
		"canAccess":     minimum == 0 || (verified && age >= minimum),
		"userAge":       nil,
		"contentRating": req.ContentRating,
	}
	if verified {
		data["userAge"] = age
	}
	writeData(w, data)
}

func (a *fakeAPI) restrictions(w http.ResponseWriter, r *http.Request) {
	age, verified := userAge(r.Header.Get("X-User-ID"))

	rating := "U"
	if verified {
		for _, candidate := range []string{"PG", "12", "15", "18"} {
			if age >= minimumAge[candidate] {
				rating = candidate
			}
		}
	}

	writeData(w, map[string]any{
		"verified":     verified,
		"restrictions": map[string]string{"contentRating": rating},
	})
}

func writeData(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, envelope{Success: false, Error: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
