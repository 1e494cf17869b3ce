// Package processor runs the analysis pipeline for one landscape analysis: mirror the trace,
// broker its landmarks and claims into the graph, refine, optionally summarize, and finish.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/constants"
	"trace-landscape/backend/internal/element"
	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/internal/landmark"
	"trace-landscape/backend/internal/landscape"
	"trace-landscape/backend/internal/matching"
	"trace-landscape/backend/internal/metrics"
	"trace-landscape/backend/internal/mirror"
	"trace-landscape/backend/internal/trace"
	"trace-landscape/backend/pkg/config"
	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

var tracer = otel.Tracer("trace-landscape.processor")

// Stage is a step of the pipeline state machine
type Stage int

const (
	StageInitial Stage = iota
	StageMirror
	StageTraceBroker
	StageHighLevelAnalysis
	StageFinished
)

func (s Stage) String() string {
	switch s {
	case StageInitial:
		return "initial"
	case StageMirror:
		return "mirror"
	case StageTraceBroker:
		return "trace_broker"
	case StageHighLevelAnalysis:
		return "high_level_analysis"
	case StageFinished:
		return "finished"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Options configures a Processor
type Options struct {
	MatchingThreshold float64
	HighLevelAnalysis bool
	Refinement        bool
	// DetachedTimeout bounds ProcessDetached runs
	DetachedTimeout time.Duration
}

// OptionsFromConfig reads pipeline options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MatchingThreshold: cfg.MatchingThreshold,
		HighLevelAnalysis: cfg.HighLevelAnalysis,
		Refinement:        cfg.Refinement,
		DetachedTimeout:   cfg.PipelineTimeout,
	}
}

// Processor runs the pipeline. It implements landscape.Pipeline.
type Processor struct {
	store     graph.Store
	gen       adapter.Generator
	traces    *trace.Service
	mirrors   *mirror.Service
	landmarks *landmark.Service
	elements  *element.Service
	matcher   *matching.Engine
	metrics   *metrics.Metrics
	opts      Options
	logger    *zap.Logger

	detached sync.WaitGroup
}

// New creates a processor. m may be nil.
func New(store graph.Store, gen adapter.Generator, m *metrics.Metrics, opts Options) *Processor {
	if opts.DetachedTimeout <= 0 {
		opts.DetachedTimeout = constants.DetachedRunTimeout
	}
	return &Processor{
		store:     store,
		gen:       gen,
		traces:    trace.NewService(store),
		mirrors:   mirror.NewService(store, gen),
		landmarks: landmark.NewService(store),
		elements:  element.NewService(store, gen),
		matcher:   matching.NewEngine(gen, opts.MatchingThreshold),
		metrics:   m,
		opts:      opts,
		logger:    logger.Named("processor"),
	}
}

// run is the record threaded through the stages. Inputs are fixed at Initial; each stage fills
// its own output.
type run struct {
	analysis *landscape.Analysis
	trace    *graph.Node
	previous []*landmark.Landmark

	mirror *mirror.TraceMirror
	broker *brokerOutput
}

// next returns the stage following s
func (p *Processor) next(s Stage) Stage {
	switch s {
	case StageInitial:
		return StageMirror
	case StageMirror:
		return StageTraceBroker
	case StageTraceBroker:
		if p.opts.HighLevelAnalysis {
			return StageHighLevelAnalysis
		}
		return StageFinished
	}
	return StageFinished
}

// Process runs every stage for analysisID and marks the analysis and its trace Finished. A failing
// stage aborts the run and leaves the analysis Draft.
func (p *Processor) Process(ctx context.Context, analysisID string) (err error) {
	ctx, span := tracer.Start(ctx, "processor.Process",
		oteltrace.WithAttributes(attribute.String("analysis.id", analysisID)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		p.metrics.RunFinished(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetStatus(codes.Ok, "")
	}()

	r, err := p.begin(ctx, analysisID)
	if err != nil {
		return err
	}

	for stage := p.next(StageInitial); stage != StageFinished; stage = p.next(stage) {
		if err := p.runStage(ctx, stage, r); err != nil {
			p.logger.Error("Pipeline stage failed",
				zap.String("analysis_id", analysisID),
				zap.String("stage", stage.String()),
				zap.Error(err),
			)
			return err
		}
	}

	if err := p.finish(ctx, r); err != nil {
		return err
	}

	p.logger.Info("Analysis finished",
		zap.String("analysis_id", analysisID),
		zap.String("trace_id", r.trace.ID),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// ProcessDetached starts Process in the background and returns at once. Completion is observed
// by polling the analysis state.
func (p *Processor) ProcessDetached(analysisID string) {
	p.detached.Add(1)
	go func() {
		defer p.detached.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.DetachedTimeout)
		defer cancel()

		if err := p.Process(ctx, analysisID); err != nil {
			p.logger.Error("Detached analysis failed",
				zap.String("analysis_id", analysisID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every detached run has returned
func (p *Processor) Wait() {
	p.detached.Wait()
}

// begin loads the fixed inputs of a run
func (p *Processor) begin(ctx context.Context, analysisID string) (*run, error) {
	a, err := landscape.LoadAnalysis(ctx, p.store, analysisID)
	if err != nil {
		return nil, err
	}
	if a.State == graph.StateFinished {
		return nil, apperrors.NewInvariantViolation("analysis state", "analysis "+analysisID+" is already finished")
	}
	if a.TraceID == "" {
		return nil, apperrors.NewMissingRelation(analysisID, string(graph.RelTrace))
	}
	tr, err := p.store.FindNode(ctx, a.TraceID)
	if err != nil {
		return nil, err
	}

	r := &run{analysis: a, trace: tr}
	if a.ParentID != "" {
		if r.previous, err = p.landmarks.ForAnalysis(ctx, a.ParentID, landmark.FilterAll); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (p *Processor) runStage(ctx context.Context, stage Stage, r *run) (err error) {
	ctx, span := tracer.Start(ctx, "processor."+stage.String())
	defer span.End()

	start := time.Now()
	defer func() {
		p.metrics.ObserveStage(stage.String(), time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	switch stage {
	case StageMirror:
		r.mirror, err = p.mirrors.Create(ctx, r.analysis.ID, r.trace)
		return err
	case StageTraceBroker:
		r.broker, err = p.runBroker(ctx, r)
		return err
	case StageHighLevelAnalysis:
		return p.summarize(ctx, r)
	}
	return apperrors.NewInvariantViolation("pipeline stage", "no handler for "+stage.String())
}

func (p *Processor) finish(ctx context.Context, r *run) error {
	node, err := p.store.FindNode(ctx, r.analysis.ID)
	if err != nil {
		return err
	}
	node.ProcessingState = graph.StateFinished
	if _, err := p.store.UpdateNode(ctx, node); err != nil {
		return err
	}
	r.analysis.State = graph.StateFinished
	return p.traces.SetState(ctx, r.trace.ID, graph.StateFinished)
}
