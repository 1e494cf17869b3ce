// Package services wires the runtime dependencies shared by the HTTP server and the operator CLI.
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/audit"
	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/internal/landscape"
	"trace-landscape/backend/internal/metrics"
	"trace-landscape/backend/internal/processor"
	"trace-landscape/backend/internal/trace"
	"trace-landscape/backend/pkg/config"
	"trace-landscape/backend/pkg/logger"
)

// metricsNamespace prefixes every exported metric
const metricsNamespace = "trace_landscape"

// ServiceManager owns the graph store, the model transport chain and the services built on them
type ServiceManager struct {
	logger *zap.Logger
	cfg    *config.Config

	repo *graph.Repository

	Store     graph.Store
	Audit     *audit.Store
	Metrics   *metrics.Metrics
	LLM       *adapter.LLMAdapter
	Generator adapter.Generator
	Processor *processor.Processor
	Landscape *landscape.Service
	Traces    *trace.Service

	closeOnce sync.Once
}

// NewServiceManager connects the configured graph backend, opens the audit log and builds the
// model transport chain
func NewServiceManager(ctx context.Context, cfg *config.Config) (*ServiceManager, error) {
	sm := &ServiceManager{
		logger: logger.Named("services"),
		cfg:    cfg,
	}

	switch cfg.GraphBackend {
	case config.GraphBackendMemory:
		sm.Store = graph.NewMemoryStore()
		sm.logger.Warn("Using in-memory graph store, data is lost on exit")
	default:
		driver, err := neo4j.NewDriverWithContext(
			cfg.Neo4jURI,
			neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			driver.Close(ctx)
			return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
		}
		sm.repo = graph.NewRepository(driver)
		if err := sm.repo.EnsureSchema(ctx); err != nil {
			driver.Close(ctx)
			return nil, fmt.Errorf("failed to ensure graph schema: %w", err)
		}
		sm.Store = sm.repo
	}

	auditStore, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		sm.closeGraph()
		return nil, err
	}
	sm.Audit = auditStore
	sm.Metrics = metrics.New(metricsNamespace)

	sm.LLM = adapter.NewLLMAdapter(cfg.LiteLLMURL, cfg.OpenRouterAPIKey, cfg.ModelID, adapter.PolicyFromConfig(cfg))
	sm.wire(sm.LLM)

	sm.logger.Info("Services ready",
		zap.String("graph_backend", cfg.GraphBackend),
		zap.String("model", cfg.ModelID),
		zap.Bool("high_level_analysis", cfg.HighLevelAnalysis),
		zap.Bool("refinement", cfg.Refinement),
	)
	return sm, nil
}

// NewWithStore builds the services over an existing store and generator, with an in-memory audit
// log. It backs tests and tooling.
func NewWithStore(cfg *config.Config, store graph.Store, gen adapter.Generator) (*ServiceManager, error) {
	auditStore, err := audit.Open("")
	if err != nil {
		return nil, err
	}
	sm := &ServiceManager{
		logger:  logger.Named("services"),
		cfg:     cfg,
		Store:   store,
		Audit:   auditStore,
		Metrics: metrics.New(metricsNamespace),
	}
	sm.wire(gen)
	return sm, nil
}

// wire wraps gen with call recording and builds the pipeline and chain services on top
func (sm *ServiceManager) wire(gen adapter.Generator) {
	sm.Generator = adapter.WithRecorder(gen, adapter.Recorders{sm.Audit, sm.Metrics}, adapter.Pricing{
		PromptPer1K:     sm.cfg.PromptCostPer1K,
		CompletionPer1K: sm.cfg.CompletionCostPer1K,
	})
	sm.Processor = processor.New(sm.Store, sm.Generator, sm.Metrics, processor.OptionsFromConfig(sm.cfg))
	sm.Landscape = landscape.NewService(sm.Store, sm.Processor, sm.Metrics, sm.cfg.PipelineTimeout)
	sm.Traces = trace.NewService(sm.Store)
}

// Shutdown waits for background runs until ctx expires, then releases the audit log and the graph
// driver
func (sm *ServiceManager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sm.Landscape.Wait()
		sm.Processor.Wait()
		close(done)
	}()

	select {
	case <-done:
		sm.logger.Info("Background runs drained")
	case <-ctx.Done():
		sm.logger.Warn("Shutdown deadline reached with background runs in flight")
	}

	var firstErr error
	sm.closeOnce.Do(func() {
		if err := sm.Audit.Close(); err != nil {
			sm.logger.Error("Failed to close audit log", zap.Error(err))
			firstErr = err
		}
		if err := sm.closeGraph(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

func (sm *ServiceManager) closeGraph() error {
	if sm.repo == nil {
		return nil
	}
	if err := sm.repo.Close(); err != nil {
		sm.logger.Error("Failed to close Neo4j driver", zap.Error(err))
		return err
	}
	return nil
}
