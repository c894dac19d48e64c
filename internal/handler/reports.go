package handler

import (
	"net/http"

	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/service"
)

// ReconLogReader is the slice of the recon log the report handler reads.
type ReconLogReader interface {
	Latest() *domain.ReconciliationResult
	List() []*domain.ReconciliationResult
}

// ReportHandler serves the exposure and reconciliation reports.
type ReportHandler struct {
	capitalSvc *service.CapitalService
	reconSvc   *service.ReconService
	reconLog   ReconLogReader
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(capitalSvc *service.CapitalService, reconSvc *service.ReconService, reconLog ReconLogReader) *ReportHandler {
	return &ReportHandler{
		capitalSvc: capitalSvc,
		reconSvc:   reconSvc,
		reconLog:   reconLog,
	}
}

// Exposure handles GET /exposure.
func (h *ReportHandler) Exposure(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.capitalSvc.Exposure())
}

// reconResponse is the JSON shape of a reconciliation result.
type reconResponse struct {
	RunID           string                 `json:"run_id"`
	At              string                 `json:"at"`
	Matched         []string               `json:"matched"`
	Mismatched      []domain.ReconMismatch `json:"mismatched"`
	MissingInSystem []brokerTradeResponse  `json:"missing_in_system"`
	MissingAtBroker []string               `json:"missing_at_broker"`
}

type brokerTradeResponse struct {
	BrokerOrderID string  `json:"broker_order_id"`
	Symbol        string  `json:"symbol"`
	Quantity      int64   `json:"quantity"`
	Price         float64 `json:"price"`
	ExecutedAt    string  `json:"executed_at"`
}

// LatestRecon handles GET /reconciliation.
func (h *ReportHandler) LatestRecon(w http.ResponseWriter, r *http.Request) {
	latest := h.reconLog.Latest()
	if latest == nil {
		WriteError(w, http.StatusNotFound, "no_reconciliation_run", "no reconciliation has run yet")
		return
	}
	WriteJSON(w, http.StatusOK, buildReconResponse(latest))
}

// RunRecon handles POST /reconciliation/run: a manual, on-demand audit.
func (h *ReportHandler) RunRecon(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconSvc.RunOnce(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, "broker_unavailable", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, buildReconResponse(result))
}

func buildReconResponse(r *domain.ReconciliationResult) reconResponse {
	resp := reconResponse{
		RunID:           r.RunID,
		At:              r.At.UTC().Format("2006-01-02T15:04:05Z"),
		Matched:         r.Matched,
		Mismatched:      r.Mismatched,
		MissingAtBroker: r.MissingAtBroker,
	}
	for _, t := range r.MissingInSystem {
		resp.MissingInSystem = append(resp.MissingInSystem, brokerTradeResponse{
			BrokerOrderID: t.BrokerOrderID,
			Symbol:        t.Symbol,
			Quantity:      t.Quantity,
			Price:         domain.CentsToDollars(t.Price),
			ExecutedAt:    t.ExecutedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return resp
}
