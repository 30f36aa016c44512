package moderation_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/guardrail/config"
	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
	"github.com/angeloszaimis/guardrail/internal/compliance"
	"github.com/angeloszaimis/guardrail/internal/moderation"
	"github.com/angeloszaimis/guardrail/internal/upstream"
)

type auditLog struct {
	mutex  sync.Mutex
	events []compliance.Event
}

func (a *auditLog) LogEvent(event compliance.Event) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.events = append(a.events, event)
	return "local_1_abc"
}

func (a *auditLog) Events() []compliance.Event {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]compliance.Event(nil), a.events...)
}

type fallbackLog struct {
	mutex      sync.Mutex
	operations []string
}

func (f *fallbackLog) FallbackApplied(dependency, operation string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.operations = append(f.operations, dependency+"/"+operation)
}

var _ = Describe("Client", func() {
	var (
		server    *httptest.Server
		handler   http.HandlerFunc
		hits      atomic.Int32
		u         *upstream.Upstream
		client    *moderation.Client
		audit     *auditLog
		fallbacks *fallbackLog
		log       *slog.Logger
	)

	BeforeEach(func() {
		hits.Store(0)
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		audit = &auditLog{}
		fallbacks = &fallbackLog{}

		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true,"data":{"isSafe":true,"reasons":[],"category":"safe"}}`))
		}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			handler(w, r)
		}))

		var err error
		u, err = upstream.New("moderation", config.ServiceConfig{
			BaseURL: server.URL + "/api",
			Timeout: 500 * time.Millisecond,
			Breaker: config.BreakerConfig{
				FailureThreshold: 2,
				OpenDuration:     time.Minute,
				RecoveryTimeout:  500 * time.Millisecond,
			},
		}, upstream.WithLogger(log))
		Expect(err).NotTo(HaveOccurred())

		client = moderation.New(u,
			moderation.WithLogger(log),
			moderation.WithAuditor(audit),
			moderation.WithFallbackRecorder(fallbacks))
	})

	AfterEach(func() {
		server.Close()
	})

	failing := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	Describe("AnalyzeContent", func() {
		It("should return the service verdict", func() {
			var body map[string]string
			handler = func(w http.ResponseWriter, r *http.Request) {
				defer GinkgoRecover()
				Expect(r.URL.Path).To(Equal("/api" + moderation.AnalyzePath))
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				w.Write([]byte(`{"success":true,"data":{"isSafe":false,"reasons":["spam"],"category":"spam"}}`))
			}

			result := client.AnalyzeContent(context.Background(), "buy now", "text", "user-1")

			Expect(result).To(Equal(moderation.Result{IsSafe: false, Reasons: []string{"spam"}, Category: "spam"}))
			Expect(body).To(Equal(map[string]string{"content": "buy now", "type": "text", "userId": "user-1"}))
		})

		It("should default the content type to text", func() {
			var body map[string]string
			handler = func(w http.ResponseWriter, r *http.Request) {
				json.NewDecoder(r.Body).Decode(&body)
				w.Write([]byte(`{"success":true,"data":{"isSafe":true}}`))
			}

			result := client.AnalyzeContent(context.Background(), "hello", "", "")
			Expect(result.IsSafe).To(BeTrue())
			Expect(result.Reasons).To(BeEmpty())
			Expect(body).To(HaveKeyWithValue("type", "text"))
			Expect(body).NotTo(HaveKey("userId"))
		})

		It("should block content when the service fails", func() {
			handler = failing

			result := client.AnalyzeContent(context.Background(), "hello", "text", "user-1")
			Expect(result).To(Equal(moderation.Blocked()))
			Expect(result.IsSafe).To(BeFalse())
			Expect(result.Category).To(Equal("blocked"))
			Expect(result.Reasons).To(Equal([]string{"service unavailable"}))
			Expect(fallbacks.operations).To(Equal([]string{"moderation/analyze_content"}))
		})

		It("should block content when the response has no verdict", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"success":true,"data":{"category":"safe"}}`))
			}

			Expect(client.AnalyzeContent(context.Background(), "hello", "text", "")).To(Equal(moderation.Blocked()))
		})

		It("should block content when the service is too slow", func() {
			release := make(chan struct{})
			defer close(release)
			handler = func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
			}

			start := time.Now()
			Expect(client.AnalyzeContent(context.Background(), "hello", "text", "")).To(Equal(moderation.Blocked()))
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		})

		It("should block content without calling the service while the breaker is open", func() {
			handler = failing
			client.AnalyzeContent(context.Background(), "a", "text", "")
			client.AnalyzeContent(context.Background(), "b", "text", "")
			Expect(u.Breaker().State()).To(Equal(circuitbreaker.StateOpen))
			Expect(hits.Load()).To(Equal(int32(2)))

			var result moderation.Result
			Expect(func() {
				result = client.AnalyzeContent(context.Background(), "c", "text", "")
			}).NotTo(Panic())

			Expect(result).To(Equal(moderation.Blocked()))
			Expect(hits.Load()).To(Equal(int32(2)))
		})

		Context("auditing", func() {
			It("should log a successful check", func() {
				client.AnalyzeContent(context.Background(), "hello", "text", "user-9")

				events := audit.Events()
				Expect(events).To(HaveLen(1))
				Expect(events[0].Action).To(Equal("moderation_checked"))
				Expect(events[0].Category).To(Equal(compliance.CategoryContentModeration))
				Expect(events[0].UserID).To(Equal("user-9"))
				Expect(events[0].Details).To(HaveKeyWithValue("isSafe", true))
				Expect(events[0].Details).To(HaveKeyWithValue("endpoint", server.URL+"/api/moderation/analyze"))
				Expect(events[0].ComplianceFrameworks).To(Equal([]string{compliance.FrameworkDSA}))
			})

			It("should log a failed check", func() {
				handler = failing
				client.AnalyzeContent(context.Background(), "hello", "text", "user-9")

				events := audit.Events()
				Expect(events).To(HaveLen(1))
				Expect(events[0].Action).To(Equal("moderation_api_failure"))
				Expect(events[0].Details).To(HaveKey("error"))
			})
		})

		Context("with the local screen", func() {
			BeforeEach(func() {
				client = moderation.New(u, moderation.WithLogger(log), moderation.WithLocalScreen(moderation.NewScreen()))
			})

			It("should block flagged content without calling the service", func() {
				result := client.AnalyzeContent(context.Background(), "I will BOMB the capital", "text", "")

				Expect(result.IsSafe).To(BeFalse())
				Expect(result.Category).To(Equal(moderation.CategoryBlocked))
				Expect(result.Reasons).To(Equal([]string{"Potential hate/violence"}))
				Expect(hits.Load()).To(BeZero())
			})

			It("should ask the service when nothing matches", func() {
				result := client.AnalyzeContent(context.Background(), "Lower the tax rate", "text", "")
				Expect(result.IsSafe).To(BeTrue())
				Expect(hits.Load()).To(Equal(int32(1)))
			})
		})
	})

	Describe("SubmitReport", func() {
		report := moderation.Report{ReporterID: "u1", ContentID: "c1", Reason: "harassment"}

		It("should return the receipt", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				defer GinkgoRecover()
				Expect(r.URL.Path).To(Equal("/api" + moderation.ReportPath))
				w.Write([]byte(`{"success":true,"data":{"id":"r-1","status":"pending"}}`))
			}

			receipt, err := client.SubmitReport(context.Background(), report)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt).To(Equal(moderation.ReportReceipt{ID: "r-1", Status: "pending"}))
		})

		It("should return the error when the service fails", func() {
			handler = failing

			_, err := client.SubmitReport(context.Background(), report)
			Expect(err).To(HaveOccurred())
		})

		It("should reject an incomplete report without calling the service", func() {
			_, err := client.SubmitReport(context.Background(), moderation.Report{ContentID: "c1"})
			Expect(err).To(MatchError(ContainSubstring("invalid report")))
			Expect(hits.Load()).To(BeZero())
		})
	})
})
