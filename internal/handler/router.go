package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantrail/controlplane/internal/service"
)

// NewRouter creates a chi router with all routes registered, request
// logging, and Content-Type validation middleware.
func NewRouter(
	controlSvc *service.ControlService,
	orderSvc *service.OrderService,
	capitalSvc *service.CapitalService,
	reconSvc *service.ReconService,
	reconLog ReconLogReader,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	controlH := NewControlHandler(controlSvc)
	orderH := NewOrderHandler(orderSvc)
	execH := NewExecutionHandler(orderSvc)
	reportH := NewReportHandler(capitalSvc, reconSvc, reconLog)

	// Health check.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Operator control surface.
	r.Get("/status", controlH.Status)
	r.Post("/control/emergency-stop", controlH.EmergencyStop)
	r.Post("/control/disable", controlH.Disable)
	r.Post("/control/reset", controlH.Reset)
	r.Post("/control/override", controlH.Override)

	// Strategy-facing order routes.
	r.Post("/orders", orderH.Submit)
	r.Get("/orders/{order_id}", orderH.Get)
	r.Delete("/orders/{order_id}", orderH.Cancel)

	// Broker-facing execution reports.
	r.Post("/broker/executions", execH.Apply)

	// Reporting.
	r.Get("/exposure", reportH.Exposure)
	r.Get("/reconciliation", reportH.LatestRecon)
	r.Post("/reconciliation/run", reportH.RunRecon)

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT,
// and PATCH requests. If the Content-Type header doesn't start with
// "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
