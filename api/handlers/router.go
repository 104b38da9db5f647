package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps carries everything the HTTP surface needs.
type RouterDeps struct {
	Pipelines *PipelineHandler
	Runs      *RunHandler
	Approvals *ApprovalHandler
	Health    *HealthHandler
	Metrics   Metrics
	Logger    *zap.Logger

	Version   string
	BuildTime string
	GitCommit string
}

// NewRouter assembles the API routes with request ID, logging, and
// metrics middleware applied to the whole mux.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", deps.Health.HandleHealth)
	mux.HandleFunc("GET /healthz", deps.Health.HandleHealth)
	mux.HandleFunc("GET /ready", deps.Health.HandleReady)
	mux.HandleFunc("GET /readyz", deps.Health.HandleReady)
	mux.HandleFunc("GET /version", deps.Health.HandleVersion(deps.Version, deps.BuildTime, deps.GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/pipelines", deps.Pipelines.HandleCreate)
	mux.HandleFunc("GET /api/v1/pipelines", deps.Pipelines.HandleList)
	mux.HandleFunc("GET /api/v1/pipelines/{id}", deps.Pipelines.HandleGet)

	mux.HandleFunc("POST /api/v1/runs", deps.Runs.HandleCreate)
	mux.HandleFunc("GET /api/v1/runs", deps.Runs.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", deps.Runs.HandleGet)
	mux.HandleFunc("GET /api/v1/runs/{id}/steps", deps.Runs.HandleSteps)
	mux.HandleFunc("GET /api/v1/runs/{id}/approvals", deps.Runs.HandleApprovals)
	mux.HandleFunc("POST /api/v1/runs/{id}/start", deps.Runs.HandleStart)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", deps.Runs.HandleResume)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", deps.Runs.HandleCancel)
	mux.HandleFunc("POST /api/v1/runs/{id}/restart", deps.Runs.HandleRestart)

	mux.HandleFunc("GET /api/v1/approvals/{id}", deps.Approvals.HandleGet)
	mux.HandleFunc("POST /api/v1/approvals/{id}/decide", deps.Approvals.HandleDecide)

	var handler http.Handler = mux
	if deps.Metrics != nil {
		handler = WithMetrics(deps.Metrics, handler)
	}
	handler = WithLogging(deps.Logger, handler)
	handler = WithRequestID(handler)
	return handler
}
