// Package api provides the operator HTTP surface: signal submission,
// workflow inspection and cancellation, portfolio queries, risk
// configuration, emergency stop and reconciliation.
//
// All monetary values use shopspring/decimal and serialize as strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/ledger"
	"github.com/atmx/spot-engine/internal/model"
	"github.com/atmx/spot-engine/internal/orchestrator"
	"github.com/atmx/spot-engine/internal/risk"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	orch     *orchestrator.Orchestrator
	ledger   *ledger.Ledger
	settings *risk.Settings
	hub      *WSHub // optional
}

// NewHandler creates the API handler. Pass nil for hub if WebSocket
// streaming is not needed.
func NewHandler(orch *orchestrator.Orchestrator, l *ledger.Ledger, settings *risk.Settings, hub *WSHub) *Handler {
	return &Handler{orch: orch, ledger: l, settings: settings, hub: hub}
}

// Routes registers the handlers on r, which is mounted at /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	// Signals and workflows.
	r.Post("/signals", h.SubmitSignal)
	r.Get("/workflows", h.ListWorkflows)
	r.Get("/workflows/{correlationID}", h.GetWorkflow)
	r.Delete("/workflows/{correlationID}", h.CancelWorkflow)

	// Portfolio queries.
	r.Get("/portfolio", h.GetPortfolio)
	r.Get("/positions", h.ListPositions)
	r.Get("/trades", h.ListTrades)
	r.Get("/equity", h.GetEquity)
	r.Post("/equity/reset-peak", h.ResetPeak)

	// Risk controls.
	r.Get("/risk/config", h.GetRiskConfig)
	r.Put("/risk/config", h.PutRiskConfig)
	r.Get("/emergency-stop", h.GetEmergencyStop)
	r.Post("/emergency-stop", h.SetEmergencyStop)

	// Reconciliation.
	r.Get("/reconciliation", h.ListPending)
	r.Post("/reconciliation/replay", h.Replay)
}

// --- Request/Response types ---

// EmergencyStopRequest is the JSON body for POST /emergency-stop. An empty
// body engages the stop.
type EmergencyStopRequest struct {
	Engaged *bool  `json:"engaged"`
	Reason  string `json:"reason"`
}

// EmergencyStopResponse reports the emergency stop state.
type EmergencyStopResponse struct {
	Halted bool `json:"halted"`
}

// EquityResponse is the JSON body returned from GET /equity.
type EquityResponse struct {
	PeakEquity decimal.Decimal     `json:"peak_equity"`
	Curve      []model.EquityPoint `json:"curve"`
}

// ReplayResponse is the JSON body returned from POST /reconciliation/replay.
type ReplayResponse struct {
	Applied int      `json:"applied"`
	Pending int      `json:"pending"`
	Errors  []string `json:"errors,omitempty"`
}

// --- Signals and workflows ---

// SubmitSignal handles POST /api/v1/signals. It runs the workflow to a
// terminal state and returns its record.
func (h *Handler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig model.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// The workflow deadline governs, not the client connection.
	wf, err := h.orch.Submit(context.WithoutCancel(r.Context()), sig)
	if err != nil {
		status := statusFor(err)
		if wf.CorrelationID == "" {
			writeError(w, err.Error(), status)
			return
		}
		writeJSON(w, status, wf)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// statusFor maps workflow errors onto HTTP statuses.
func statusFor(err error) int {
	var rej *orchestrator.RejectedError
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &rej):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrInFlight), errors.Is(err, orchestrator.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrHalted), errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ListWorkflows handles GET /api/v1/workflows (in-flight only).
func (h *Handler) ListWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Active())
}

// GetWorkflow handles GET /api/v1/workflows/{correlationID}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")
	wf, ok := h.orch.Workflow(id)
	if !ok {
		writeError(w, "workflow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// CancelWorkflow handles DELETE /api/v1/workflows/{correlationID}
func (h *Handler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")
	switch err := h.orch.Cancel(id); {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, "workflow not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrNotCancelable):
		writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": id, "status": "cancelling"})
	}
}

// --- Portfolio ---

// GetPortfolio handles GET /api/v1/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Snapshot(r.Context(), nil))
}

// ListPositions handles GET /api/v1/positions
func (h *Handler) ListPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Positions())
}

// ListTrades handles GET /api/v1/trades?symbol=&limit=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades := h.ledger.Trades(r.URL.Query().Get("symbol"), limit)
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetEquity handles GET /api/v1/equity
func (h *Handler) GetEquity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, EquityResponse{
		PeakEquity: h.ledger.PeakEquity(),
		Curve:      h.ledger.EquityCurve(),
	})
}

// ResetPeak handles POST /api/v1/equity/reset-peak
func (h *Handler) ResetPeak(w http.ResponseWriter, _ *http.Request) {
	h.ledger.ResetPeak()
	writeJSON(w, http.StatusOK, EquityResponse{
		PeakEquity: h.ledger.PeakEquity(),
		Curve:      h.ledger.EquityCurve(),
	})
}

// --- Risk controls ---

// GetRiskConfig handles GET /api/v1/risk/config
func (h *Handler) GetRiskConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Current())
}

// PutRiskConfig handles PUT /api/v1/risk/config. The body (YAML or JSON)
// is applied onto the current limits; omitted keys keep their values.
func (h *Handler) PutRiskConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settings.Apply(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, risk.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		writeError(w, err.Error(), status)
		return
	}
	slog.Info("risk config updated via api", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, cfg)
}

// GetEmergencyStop handles GET /api/v1/emergency-stop
func (h *Handler) GetEmergencyStop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, EmergencyStopResponse{Halted: h.orch.Halted()})
}

// SetEmergencyStop handles POST /api/v1/emergency-stop
func (h *Handler) SetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req EmergencyStopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Engaged == nil || *req.Engaged {
		reason := req.Reason
		if reason == "" {
			reason = "operator request"
		}
		h.orch.Halt(reason)
	} else {
		h.orch.Resume()
	}
	writeJSON(w, http.StatusOK, EmergencyStopResponse{Halted: h.orch.Halted()})
}

// --- Reconciliation ---

// ListPending handles GET /api/v1/reconciliation
func (h *Handler) ListPending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Pending())
}

// Replay handles POST /api/v1/reconciliation/replay
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	applied, err := h.orch.Reconcile(ctx)
	resp := ReplayResponse{Applied: applied, Pending: len(h.orch.Pending())}
	if err != nil {
		resp.Errors = splitJoined(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// splitJoined flattens an errors.Join result into messages.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
