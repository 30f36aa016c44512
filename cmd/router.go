package main

import (
	"net/http"

	"github.com/angeloszaimis/guardrail/internal/handler"
	"github.com/angeloszaimis/guardrail/internal/metrics"
	"github.com/angeloszaimis/guardrail/pkg/logger"
)

func setupRouter(a *app) http.Handler {
	admin := handler.NewAdminHandler(logger.Component(a.log, "admin"), a.breakers, a.upstreams)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", admin.Health)
	mux.HandleFunc("GET /breakers", admin.Breakers)
	mux.HandleFunc("GET /stats", a.collector.Handler())
	mux.Handle("GET /metrics", metrics.PrometheusHandler(a.promRegistry))

	return handler.WithRequestLogging(logger.Component(a.log, "http"), mux)
}
