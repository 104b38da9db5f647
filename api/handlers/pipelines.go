package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/flowmesh/pipeline/store"
	"github.com/flowmesh/pipeline/types"
)

// PipelineHandler serves pipeline definition CRUD.
type PipelineHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewPipelineHandler creates a pipeline handler.
func NewPipelineHandler(store *store.Store, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{
		store:  store,
		logger: logger.With(zap.String("component", "pipeline_handler")),
	}
}

// HandleCreate registers a new pipeline version. The definition is
// validated (DAG shape, schemas) before it is stored.
func (h *PipelineHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var pipeline types.Pipeline
	if err := DecodeJSONBody(w, r, &pipeline, h.logger); err != nil {
		return
	}

	if err := h.store.CreatePipeline(r.Context(), &pipeline); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("pipeline created",
		zap.String("pipeline_id", pipeline.ID),
		zap.String("name", pipeline.Name),
		zap.Int("version", pipeline.Version),
	)
	WriteCreated(w, pipeline)
}

// HandleGet returns one pipeline version by ID.
func (h *PipelineHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	pipeline, err := h.store.GetPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pipeline)
}

// HandleList returns all pipeline versions, optionally scoped by the
// tenant query parameter.
func (h *PipelineHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.store.ListPipelines(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pipelines)
}
