package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/antoniostano/stepwise/internal/blobstore"
	"github.com/antoniostano/stepwise/internal/brain"
	"github.com/antoniostano/stepwise/internal/config"
	"github.com/antoniostano/stepwise/internal/httpapi"
	"github.com/antoniostano/stepwise/internal/ids"
	"github.com/antoniostano/stepwise/internal/observability"
	"github.com/antoniostano/stepwise/internal/orchestrator"
	"github.com/antoniostano/stepwise/internal/session"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observability.Metrics
	StoreMode    string
	BrainMode    string

	// Cleanup flushes open sessions and closes the blob store.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	gen := ids.New()

	rawStore, err := blobstore.NewStore(ctx, cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("blob store init failed: %w", err)
	}
	store := blobstore.WithPrefix(rawStore, cfg.StoreNamespace)

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:           cfg.BrainMode,
		HTTPURL:        cfg.BrainHTTPURL,
		HTTPStreaming:  cfg.BrainStreaming,
		HTTPTimeout:    cfg.BrainTimeout,
		HTTPRetries:    cfg.BrainRetries,
		StreamInterval: cfg.StreamInterval,
		FallbackToMock: cfg.BrainFallback,
		IDs:            gen,
	})
	if err != nil {
		_ = rawStore.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}
	if fb, ok := adapter.(*brain.FallbackAdapter); ok {
		brainLogger := logger.Named("brain")
		fb.OnFallback = func(err error) {
			metrics.AdapterErrors.WithLabelValues(brain.Mode(fb.Primary()), "fallback").Inc()
			brainLogger.Warn("primary brain failed, answering with mock", zap.Error(err))
		}
	}

	sessions := session.NewManager(store, session.Options{
		InactivityTimeout: cfg.SessionInactivityTimeout,
		IDs:               gen,
		Logger:            logger.Named("session"),
		OnPersistError: func(error) {
			metrics.PersistErrors.Inc()
		},
	})
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orch := orchestrator.New(sessions, adapter, orchestrator.Options{
		Logger:  logger.Named("orchestrator"),
		Metrics: metrics,
		IDs:     gen,
	})
	api := httpapi.New(cfg, sessions, orch, metrics, logger.Named("http"))

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := sessions.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush sessions: %w", err))
		}
		if err := rawStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orch,
		Metrics:      metrics,
		StoreMode:    blobstore.Mode(cfg.StoreURL),
		BrainMode:    brain.Mode(adapter),
		Cleanup:      cleanup,
	}, nil
}
