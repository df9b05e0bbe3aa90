package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/templeobijnr/easy-islanders-assistant/internal/calibration"
	"github.com/templeobijnr/easy-islanders-assistant/internal/metrics"
)

// HealthServer serves liveness and readiness probes plus the operational
// snapshot: counters, calibration version, shadow divergence rate, uptime.
type HealthServer struct {
	port         int
	redisClient  *redis.Client
	ledgerCheck  func(ctx context.Context) error
	calibrations *calibration.Store
	collector    *metrics.Collector
	logger       *zap.Logger
	server       *http.Server
}

// NewHealthServer creates the health server. ledgerCheck may be nil when no
// ledger is wired.
func NewHealthServer(
	port int,
	redisClient *redis.Client,
	ledgerCheck func(ctx context.Context) error,
	calibrations *calibration.Store,
	collector *metrics.Collector,
	logger *zap.Logger,
) *HealthServer {
	return &HealthServer{
		port:         port,
		redisClient:  redisClient,
		ledgerCheck:  ledgerCheck,
		calibrations: calibrations,
		collector:    collector,
		logger:       logger,
	}
}

// Start starts the health check server.
func (hs *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/ready", hs.handleReady)

	hs.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", hs.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	hs.logger.Info("starting health server", zap.Int("port", hs.port))

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.logger.Error("health server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop stops the health check server.
func (hs *HealthServer) Stop() error {
	if hs.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hs.logger.Info("stopping health server")
	return hs.server.Shutdown(ctx)
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status             string            `json:"status"`
	Checks             map[string]string `json:"checks,omitempty"`
	CalibrationVersion int               `json:"calibration_version,omitempty"`
	Metrics            *metrics.Snapshot `json:"metrics,omitempty"`
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if err := hs.redisClient.Ping(ctx).Err(); err != nil {
		checks["redis"] = fmt.Sprintf("unhealthy: %v", err)
		healthy = false
	} else {
		checks["redis"] = "healthy"
	}

	if hs.ledgerCheck != nil {
		if err := hs.ledgerCheck(ctx); err != nil {
			checks["ledger"] = fmt.Sprintf("unhealthy: %v", err)
			healthy = false
		} else {
			checks["ledger"] = "healthy"
		}
	}

	resp := HealthResponse{
		Status: "healthy",
		Checks: checks,
	}
	if hs.calibrations != nil {
		resp.CalibrationVersion = hs.calibrations.Current().Version
	}
	if hs.collector != nil {
		snapshot := hs.collector.Snapshot()
		resp.Metrics = &snapshot
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	hs.respondJSON(w, status, resp)
}

func (hs *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := hs.redisClient.Ping(ctx).Err(); err != nil {
		hs.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "not ready",
		})
		return
	}

	hs.respondJSON(w, http.StatusOK, HealthResponse{
		Status: "ready",
	})
}

func (hs *HealthServer) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		hs.logger.Error("failed to encode response", zap.Error(err))
	}
}
