package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDependencies struct {
	Handler    *Handler
	Limiter    Limiter
	HMACSecret string
	Logger     *slog.Logger
}

func NewRouter(deps RouterDependencies) *mux.Router {
	h := deps.Handler
	r := mux.NewRouter()
	r.Use(withRequestContext(deps.Logger), observe(deps.Logger))

	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", h.ReadinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	intake := func(fn http.HandlerFunc) http.Handler {
		return RateLimit(deps.Limiter, deps.Logger)(RequireHMAC(deps.HMACSecret)(fn))
	}

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Handle("/pay", intake(h.Pay)).Methods(http.MethodPost)
	apiV1.Handle("/collect", intake(h.Collect)).Methods(http.MethodPost)
	apiV1.HandleFunc("/transaction/{id}/status", h.GetStatusHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/transaction/{id}/history", h.GetHistoryHandler).Methods(http.MethodGet)

	return r
}
