package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/history"
	"fleetalert/internal/logging"
	"fleetalert/internal/telemetry"
	"fleetalert/internal/vehicles"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable fleet alert service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	store      telemetry.Store
	registry   *Registry
	metricsSrv *http.Server
	clock      clock.Clock
}

// NewService builds the service from a config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store := buildStore(cfg)
	registry := NewRegistry(
		cfg.Service.Tenant,
		store,
		vehicles.NewClient(cfg.Vehicles),
		history.NewClient(cfg.Alerts),
		logger,
		clk,
		cfg.Watch,
	)

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		registry: registry,
		clock:    clk,
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		service.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return service, nil
}

// Registry exposes the subscription registry for embedding callers.
// Params: none.
// Returns: the tenant's registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Run subscribes a logging observer and blocks until shutdown signal.
// The observer keeps the engine active for the whole process lifetime;
// additional observers may come and go through Registry.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	if s.metricsSrv != nil {
		go func() {
			s.logger.Info("metrics server starting", "listen", s.cfg.Metrics.Listen)
			err := s.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	cancelSub, err := s.registry.Subscribe(s.logObserver())
	if err != nil {
		_ = s.shutdown()
		return fmt.Errorf("alert watch start: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		cancelSub()
		return s.shutdown()
	case err := <-errChan:
		cancelSub()
		_ = s.shutdown()
		return fmt.Errorf("metrics server failed: %w", err)
	case <-sigChan:
		cancelSub()
		return s.shutdown()
	}
}

// logObserver summarizes each published alert set.
// Params: none.
// Returns: observer callback.
func (s *Service) logObserver() Observer {
	return func(alerts []domain.PersistedAlert) {
		active := 0
		for _, alert := range alerts {
			if alert.Active() {
				active++
			}
		}
		s.logger.Debug("alert set published", "total", len(alerts), "active", active)
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.logger.Error("metrics shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("telemetry store close failed", "error", err.Error())
		markErr(fmt.Errorf("telemetry store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// buildStore creates the telemetry backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) telemetry.Store {
	if isSingleMode(cfg) {
		return telemetry.NewMemoryStore()
	}
	return telemetry.NewNATSStore(cfg.Telemetry)
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
