package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/guardrail/pkg/logger"
)

var _ = Describe("Logger", func() {
	ctx := context.Background()

	Describe("New", func() {
		It("should create a logger", func() {
			Expect(logger.New("info", false, "dev")).NotTo(BeNil())
			Expect(logger.New("info", true, "prod")).NotTo(BeNil())
		})
	})

	DescribeTable("level handling",
		func(level string, enabled, disabled slog.Level) {
			log := logger.NewWithWriter(&bytes.Buffer{}, level, false, "dev")
			Expect(log.Enabled(ctx, enabled)).To(BeTrue())
			Expect(log.Enabled(ctx, disabled)).To(BeFalse())
		},
		Entry("debug", "debug", slog.LevelDebug, slog.LevelDebug-1),
		Entry("info", "info", slog.LevelInfo, slog.LevelDebug),
		Entry("warn", "warn", slog.LevelWarn, slog.LevelInfo),
		Entry("error", "error", slog.LevelError, slog.LevelWarn),
		Entry("mixed case", "WARN", slog.LevelWarn, slog.LevelInfo),
		Entry("invalid defaults to info", "loud", slog.LevelInfo, slog.LevelDebug),
	)

	Describe("output format", func() {
		It("should write JSON with service and environment in prod", func() {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "info", false, "prod")
			log.Info("hello", slog.String("key", "value"))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("msg", "hello"))
			Expect(record).To(HaveKeyWithValue("service", "guardrail"))
			Expect(record).To(HaveKeyWithValue("environment", "prod"))
			Expect(record).To(HaveKeyWithValue("key", "value"))
		})

		It("should write text outside prod", func() {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "info", false, "dev")
			log.Info("hello")

			Expect(buf.String()).To(ContainSubstring("msg=hello"))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
		})
	})

	Describe("Component", func() {
		It("should tag records with the component name", func() {
			var buf bytes.Buffer
			log := logger.Component(logger.NewWithWriter(&buf, "info", false, "dev"), "breaker")
			log.Info("state change")

			Expect(buf.String()).To(ContainSubstring("component=breaker"))
		})

		It("should fall back to the default logger", func() {
			Expect(logger.Component(nil, "x")).NotTo(BeNil())
		})
	})
})
