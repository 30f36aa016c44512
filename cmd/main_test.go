package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/guardrail/config"
	"github.com/angeloszaimis/guardrail/internal/ageverify"
	"github.com/angeloszaimis/guardrail/internal/compliance"
	"github.com/angeloszaimis/guardrail/internal/moderation"
	"github.com/angeloszaimis/guardrail/internal/upstream"
)

const configTemplate = `
server:
  address: %q
  environment: "dev"

logging:
  level: "error"

health_check:
  interval: "50ms"

auth:
  service_id: "game-server"
  secret: "s3cret"
  fallback_token: "fallback"
  token_ttl: "10m"

services:
  moderation:
    base_url: %q
    timeout: "1s"
    breaker:
      failure_threshold: 2
      open_duration: "1m"
      recovery_timeout: "1s"
  compliance:
    base_url: %q
    timeout: "1s"
    queue_size: 16
    workers: 1
    breaker:
      failure_threshold: 5
      open_duration: "1m"
      recovery_timeout: "1s"
  age_verification:
    base_url: %q
    timeout: "1s"
    breaker:
      failure_threshold: 2
      open_duration: "1m"
      recovery_timeout: "1s"
`

// fakeDependencies answers every dependency endpoint with a fixed, successful
// envelope and counts compliance deliveries.
func fakeDependencies(audits chan<- compliance.Event) http.Handler {
	ok := func(w http.ResponseWriter, data string) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"success":true,"data":%s}`, data)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+upstream.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("POST "+moderation.AnalyzePath, func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"isSafe":true,"reasons":[],"category":"clean"}`)
	})
	mux.HandleFunc("POST "+compliance.LogPath, func(w http.ResponseWriter, r *http.Request) {
		var event compliance.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err == nil && audits != nil {
			audits <- event
		}
		ok(w, `{"id":"evt_1"}`)
	})
	mux.HandleFunc("POST "+ageverify.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"token":"service-token"}`)
	})
	mux.HandleFunc("GET "+ageverify.StatusPath, func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"verified":true,"age":21}`)
	})
	mux.HandleFunc("POST "+ageverify.CheckAccessPath, func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"canAccess":true,"userAge":21,"contentRating":"18"}`)
	})
	mux.HandleFunc("GET "+ageverify.RestrictionsPath, func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"verified":true,"restrictions":{"contentRating":"18"}}`)
	})
	return mux
}

func freeAddr() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer l.Close()
	return l.Addr().String()
}

func testConfig(baseURL string) *config.Config {
	service := config.ServiceConfig{
		BaseURL: baseURL,
		Timeout: time.Second,
		Breaker: config.BreakerConfig{
			FailureThreshold: 2,
			OpenDuration:     time.Minute,
			RecoveryTimeout:  time.Second,
		},
	}
	return &config.Config{
		Server:      config.ServerConfig{Address: ":9090", Environment: config.EnvDev},
		Logging:     config.LoggingConfig{Level: config.LogLevelError},
		HealthCheck: config.HealthCheckConfig{Interval: 50 * time.Millisecond},
		Metrics:     config.MetricsConfig{BufferSize: 64},
		Auth:        config.AuthConfig{ServiceID: "game-server", TokenTTL: time.Minute},
		Services: config.ServicesConfig{
			Moderation:      service,
			Compliance:      config.ComplianceConfig{ServiceConfig: service, QueueSize: 8, Workers: 1},
			AgeVerification: service,
		},
	}
}

var _ = Describe("initializeUpstreams", func() {
	var (
		log *slog.Logger
		cfg *config.Config
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		cfg = testConfig("http://localhost:3000/api")
	})

	It("should build one upstream per service in a fixed order", func() {
		upstreams, err := initializeUpstreams(cfg, log, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(upstreams).To(HaveLen(3))

		names := make([]string, 0, len(upstreams))
		for _, u := range upstreams {
			names = append(names, u.Name())
		}
		Expect(names).To(Equal([]string{dependencyModeration, dependencyCompliance, dependencyAgeVerification}))
	})

	It("should give every upstream its own breaker settings", func() {
		cfg.Services.Moderation.Breaker.FailureThreshold = 5
		cfg.Services.Compliance.Breaker.FailureThreshold = 10
		cfg.Services.AgeVerification.Breaker.FailureThreshold = 3

		upstreams, err := initializeUpstreams(cfg, log, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(upstreams[0].Breaker().Settings().FailureThreshold).To(Equal(5))
		Expect(upstreams[1].Breaker().Settings().FailureThreshold).To(Equal(10))
		Expect(upstreams[2].Breaker().Settings().FailureThreshold).To(Equal(3))
	})

	It("should keep the configured base URL path", func() {
		cfg.Services.AgeVerification.BaseURL = "https://age.internal/api/v2"
		upstreams, err := initializeUpstreams(cfg, log, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(upstreams[2].BaseURL().Path).To(Equal("/api/v2"))
	})

	It("should fail on an unparsable base URL", func() {
		cfg.Services.Compliance.BaseURL = "://invalid"
		upstreams, err := initializeUpstreams(cfg, log, nil)
		Expect(err).To(HaveOccurred())
		Expect(upstreams).To(BeNil())
	})

	It("should fail on invalid breaker settings", func() {
		cfg.Services.Moderation.Breaker.FailureThreshold = 0
		_, err := initializeUpstreams(cfg, log, nil)
		Expect(err).To(MatchError(ContainSubstring("moderation")))
	})
})

var _ = Describe("app", func() {
	var (
		server *httptest.Server
		audits chan compliance.Event
		a      *app
	)

	BeforeEach(func() {
		audits = make(chan compliance.Event, 16)
		server = httptest.NewServer(fakeDependencies(audits))
		DeferCleanup(server.Close)

		var err error
		a, err = newApp(testConfig(server.URL), slog.New(slog.NewTextHandler(io.Discard, nil)))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should register a breaker for every dependency", func() {
		Expect(a.breakers.Names()).To(Equal([]string{
			dependencyAgeVerification,
			dependencyCompliance,
			dependencyModeration,
		}))
	})

	It("should audit moderation checks through the compliance client", func() {
		stop := a.startWorkers(context.Background())

		result := a.moderation.AnalyzeContent(context.Background(), "hello there", "", "user-1")
		Expect(result.IsSafe).To(BeTrue())

		a.stopWorkers(stop)

		var event compliance.Event
		Expect(audits).To(Receive(&event))
		Expect(event.Category).To(Equal(compliance.CategoryContentModeration))
		Expect(event.UserID).To(Equal("user-1"))
	})

	It("should report every dependency when probing", func() {
		results := a.probe(context.Background())
		Expect(results).To(HaveLen(3))
		for _, r := range results {
			Expect(r.Healthy).To(BeTrue())
			Expect(r.Error).To(BeEmpty())
		}
	})

	It("should report unreachable dependencies when probing", func() {
		server.Close()

		results := a.probe(context.Background())
		Expect(results).To(HaveEach(HaveField("Healthy", BeFalse())))
		Expect(results[0].Error).NotTo(BeEmpty())
	})

	Describe("setupRouter", func() {
		var router http.Handler

		BeforeEach(func() {
			router = setupRouter(a)
		})

		get := func(path string) *httptest.ResponseRecorder {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			return rec
		}

		It("should serve dependency health", func() {
			rec := get("/healthz")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("status", "ok"))
			Expect(body["dependencies"]).To(HaveLen(3))
		})

		It("should serve breaker snapshots", func() {
			rec := get("/breakers")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"state":"CLOSED"`))
			Expect(rec.Body.String()).To(ContainSubstring(dependencyAgeVerification))
		})

		It("should serve aggregated stats", func() {
			rec := get("/stats")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
		})

		It("should serve Prometheus metrics", func() {
			rec := get("/metrics")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("go_goroutines"))
		})

		It("should reject other methods", func() {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("should return 404 for unknown paths", func() {
			Expect(get("/unknown").Code).To(Equal(http.StatusNotFound))
		})
	})
})

var _ = Describe("root command", func() {
	var (
		server     *httptest.Server
		configPath string
		addr       string
		stdout     *bytes.Buffer
	)

	run := func(ctx context.Context, args ...string) error {
		cmd := newRootCmd()
		cmd.SetArgs(append([]string{"--config", configPath}, args...))
		cmd.SetOut(stdout)
		cmd.SetErr(io.Discard)
		return cmd.ExecuteContext(ctx)
	}

	BeforeEach(func() {
		original := slog.Default()
		DeferCleanup(func() { slog.SetDefault(original) })

		server = httptest.NewServer(fakeDependencies(nil))
		DeferCleanup(server.Close)

		addr = freeAddr()
		stdout = &bytes.Buffer{}
		configPath = filepath.Join(GinkgoT().TempDir(), "config.yaml")
		content := fmt.Sprintf(configTemplate, addr, server.URL, server.URL, server.URL)
		Expect(os.WriteFile(configPath, []byte(content), 0o644)).To(Succeed())
	})

	It("should print probe results", func() {
		Expect(run(context.Background(), "probe")).To(Succeed())

		var results []probeResult
		Expect(json.Unmarshal(stdout.Bytes(), &results)).To(Succeed())
		Expect(results).To(HaveLen(3))
		Expect(results).To(HaveEach(HaveField("Healthy", BeTrue())))
	})

	It("should fail the probe when a dependency is down", func() {
		server.Close()
		Expect(run(context.Background(), "probe")).To(MatchError(ContainSubstring("3 of 3 dependencies unhealthy")))
	})

	It("should print a moderation verdict", func() {
		Expect(run(context.Background(), "moderate", "a friendly message", "--user", "user-7")).To(Succeed())

		var result moderation.Result
		Expect(json.Unmarshal(stdout.Bytes(), &result)).To(Succeed())
		Expect(result.IsSafe).To(BeTrue())
		Expect(result.Category).To(Equal("clean"))
	})

	It("should print an age report", func() {
		Expect(run(context.Background(), "age", "user-7", "--rating", ageverify.Rating18)).To(Succeed())

		var report ageReport
		Expect(json.Unmarshal(stdout.Bytes(), &report)).To(Succeed())
		Expect(report.Status.Verified).To(BeTrue())
		Expect(report.Access.CanAccess).To(BeTrue())
		Expect(report.Restrictions.Restrictions.ContentRating).To(Equal(ageverify.Rating18))
	})

	It("should require arguments", func() {
		Expect(run(context.Background(), "moderate")).To(HaveOccurred())
		Expect(run(context.Background(), "age")).To(HaveOccurred())
	})

	It("should fail on a missing config file", func() {
		configPath = filepath.Join(GinkgoT().TempDir(), "missing.yaml")
		Expect(run(context.Background(), "probe")).To(MatchError(ContainSubstring("load config")))
	})

	It("should serve until the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- run(ctx, "serve")
		}()

		Eventually(func() (string, error) {
			resp, err := http.Get("http://" + addr + "/healthz")
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			return string(body), err
		}, 2*time.Second, 20*time.Millisecond).Should(ContainSubstring(`"status":"ok"`))

		Eventually(func() string {
			resp, err := http.Get("http://" + addr + "/metrics")
			if err != nil {
				return ""
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return string(body)
		}).Should(ContainSubstring("guardrail_breaker_state"))

		cancel()
		Eventually(done, 7*time.Second).Should(Receive(BeNil()))
	})
})

var _ = Describe("writeJSON", func() {
	It("should indent output", func() {
		var buf bytes.Buffer
		Expect(writeJSON(&buf, map[string]int{"a": 1})).To(Succeed())
		Expect(strings.Contains(buf.String(), "\n  \"a\": 1")).To(BeTrue())
	})
})
