// Package ingesthttp is the thin chi-based HTTP adapter in front of the
// attention gate: the ingest data-flow path spec §2 names ("raw text ->
// Attention Gate -> (if passed) Graph Store insert -> Background Extraction
// (async)"). It carries no business logic of its own — gate.Gate,
// graphstore.Store, and background.Runner do all the work — following the
// same thin-handler-over-mediator shape
// brain2-backend/interfaces/http/rest/handlers.NodeHandler uses.
package ingesthttp

import (
	"context"
	"encoding/json"
	"net/http"

	"brain2-memory/internal/background"
	"brain2-memory/internal/gate"
	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/metrics"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Embedder is the embedding provider spec §1 names as an external
// collaborator, assumed to return a unit-norm vector for a given text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Role selects which attention-gate profile an ingest request is checked
// against.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IngestRequest is the request body for POST /api/v1/memories.
type IngestRequest struct {
	Text    string `json:"text" validate:"required,min=1"`
	Role    Role   `json:"role" validate:"required,oneof=user assistant"`
	AgentID string `json:"agent_id,omitempty" validate:"omitempty,max=200"`
}

// IngestResponse is returned when a memory is accepted and stored.
type IngestResponse struct {
	ID     string `json:"id"`
	Stored bool   `json:"stored"`
}

// RejectedResponse is returned when the attention gate rejects the text.
// It is still a 200: rejection is an expected, non-error outcome of the
// gate, not a client mistake.
type RejectedResponse struct {
	Stored bool `json:"stored"`
}

var validate = validator.New()

// Handler wires the attention gate, the graph store, and background
// extraction into the single ingest endpoint.
type Handler struct {
	gate     *gate.Gate
	store    graphstore.Store
	runner   *background.Runner
	embedder Embedder
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New creates a Handler.
func New(g *gate.Gate, store graphstore.Store, runner *background.Runner, embedder Embedder, m *metrics.Collector, logger *zap.Logger) *Handler {
	return &Handler{gate: g, store: store, runner: runner, embedder: embedder, metrics: m, logger: logger}
}

// Ingest handles POST /api/v1/memories: gate, embed, insert, then fire
// background extraction. A rejected message is not an error — it is the
// gate doing its job — so the response is 200 with stored=false.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation error: "+err.Error())
		return
	}

	passed := h.passesGate(req.Role, req.Text)
	if !passed {
		h.metrics.GateRejected.WithLabelValues(string(req.Role)).Inc()
		writeJSON(w, http.StatusOK, RejectedResponse{Stored: false})
		return
	}
	h.metrics.GateAccepted.WithLabelValues(string(req.Role)).Inc()

	ctx := r.Context()
	embedding, err := h.embedder.Embed(ctx, req.Text)
	if err != nil {
		h.logger.Error("failed to embed ingested text", zap.Error(err))
		writeError(w, http.StatusBadGateway, "embedding provider failed")
		return
	}

	id, err := h.store.InsertMemory(ctx, req.Text, embedding, graphstore.InsertOptions{AgentID: req.AgentID})
	if err != nil {
		h.logger.Error("failed to insert memory", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store memory")
		return
	}

	h.runner.Spawn(context.WithoutCancel(ctx), id, req.Text, 0, nil)

	writeJSON(w, http.StatusCreated, IngestResponse{ID: id, Stored: true})
}

func (h *Handler) passesGate(role Role, text string) bool {
	if role == RoleAssistant {
		return h.gate.PassesAssistantGate(text)
	}
	return h.gate.PassesUserGate(text)
}

// ExtractionStatus handles GET /api/v1/extractions/status: a read-only view of
// countByExtractionStatus (spec §4.4), useful for an operator dashboard to
// confirm failed extractions are not silently piling up (spec §7).
func (h *Handler) ExtractionStatus(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	counts, err := h.store.CountByExtractionStatus(r.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to count extraction statuses", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read extraction status")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}
