package landscape

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"trace-landscape/backend/internal/constants"
	"trace-landscape/backend/internal/element"
	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/internal/landmark"
	"trace-landscape/backend/internal/metrics"
	"trace-landscape/backend/internal/mirror"
	"trace-landscape/backend/internal/trace"
	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

var tracer = otel.Tracer("trace-landscape.landscape")

// Lens step results, used as metric labels
const (
	stepStepped  = "stepped"
	stepCaughtUp = "caught_up"
	stepReplayed = "replayed"
	stepFailed   = "failed"
)

// Service owns the analysis chain and the lenses over it
type Service struct {
	store     graph.Store
	pipeline  Pipeline
	traces    *trace.Service
	mirrors   *mirror.Service
	landmarks *landmark.Service
	elements  *element.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// runs coalesces concurrent catch-ups of one lens within this process
	runs            singleflight.Group
	detached        sync.WaitGroup
	detachedTimeout time.Duration
}

// NewService creates the landscape service. m may be nil. detachedTimeout bounds background
// catch-ups; zero falls back to constants.DetachedRunTimeout.
func NewService(store graph.Store, pipeline Pipeline, m *metrics.Metrics, detachedTimeout time.Duration) *Service {
	if detachedTimeout <= 0 {
		detachedTimeout = constants.DetachedRunTimeout
	}
	return &Service{
		store:           store,
		pipeline:        pipeline,
		traces:          trace.NewService(store),
		mirrors:         mirror.NewService(store, nil),
		landmarks:       landmark.NewService(store),
		elements:        element.NewService(store, nil),
		metrics:         m,
		logger:          logger.Named("landscape"),
		detachedTimeout: detachedTimeout,
	}
}

// ============================================================================
// Analyses
// ============================================================================

// CreateAnalysis stores a Draft analysis. parentID, traceID and replayOf are optional.
func (s *Service) CreateAnalysis(ctx context.Context, userID, parentID, traceID, replayOf string) (*Analysis, error) {
	node := &graph.Node{
		UserID:          userID,
		Kind:            graph.KindAnalysis,
		ProcessingState: graph.StateDraft,
	}
	if traceID != "" {
		t, err := s.traces.Find(ctx, traceID)
		if err != nil {
			return nil, err
		}
		node.Title = t.Title
		node.InteractionDate = t.Date
	}

	created, err := s.store.CreateNode(ctx, node)
	if err != nil {
		return nil, err
	}
	links := []struct {
		target string
		code   graph.RelationCode
	}{
		{parentID, graph.RelParent},
		{traceID, graph.RelTrace},
		{replayOf, graph.RelReplay},
	}
	for _, l := range links {
		if l.target == "" {
			continue
		}
		if _, err := graph.Link(ctx, s.store, userID, created.ID, l.target, l.code); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("Analysis created",
		zap.String("analysis_id", created.ID),
		zap.String("parent_id", parentID),
		zap.String("trace_id", traceID),
		zap.String("replay_of", replayOf),
	)
	return LoadAnalysis(ctx, s.store, created.ID)
}

// FindAnalysis loads one analysis
func (s *Service) FindAnalysis(ctx context.Context, id string) (*Analysis, error) {
	return LoadAnalysis(ctx, s.store, id)
}

// Ancestors returns the chain from analysisID to its root, the analysis first
func (s *Service) Ancestors(ctx context.Context, analysisID string) ([]*Analysis, error) {
	var chain []*Analysis
	seen := make(map[string]bool)
	for current := analysisID; current != ""; {
		if seen[current] {
			return nil, apperrors.NewInvariantViolation("analysis chain", "cycle at "+current)
		}
		seen[current] = true

		a, err := LoadAnalysis(ctx, s.store, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
		current = a.ParentID
	}
	return chain, nil
}

// Landmarks lists the landmarks visible in an analysis
func (s *Service) Landmarks(ctx context.Context, analysisID string, filter landmark.Filter) ([]*landmark.Landmark, error) {
	if _, err := LoadAnalysis(ctx, s.store, analysisID); err != nil {
		return nil, err
	}
	return s.landmarks.ForAnalysis(ctx, analysisID, filter)
}

// Elements lists the elements owned by an analysis
func (s *Service) Elements(ctx context.Context, analysisID string) ([]*element.Element, error) {
	if _, err := LoadAnalysis(ctx, s.store, analysisID); err != nil {
		return nil, err
	}
	return s.elements.ForAnalysis(ctx, analysisID)
}

// DeleteLeafAndCleanup deletes an analysis with no child and no lens on it, together with what it
// owns. Owned traces and the analyzed trace go back to Draft unless another Finished analysis
// still covers them. It reports false when refused.
func (s *Service) DeleteLeafAndCleanup(ctx context.Context, analysisID string) (bool, error) {
	a, err := LoadAnalysis(ctx, s.store, analysisID)
	if err != nil {
		return false, err
	}

	children, err := s.store.FindOrigins(ctx, analysisID, graph.RelParent)
	if err != nil {
		return false, err
	}
	for _, e := range children {
		child, err := s.store.FindNode(ctx, e.OriginID)
		if err != nil {
			return false, err
		}
		if child.Kind == graph.KindAnalysis {
			s.logger.Debug("Refusing to delete analysis with children", zap.String("analysis_id", analysisID))
			return false, nil
		}
	}
	lenses, err := s.store.FindOrigins(ctx, analysisID, graph.RelHead)
	if err != nil {
		return false, err
	}
	if len(lenses) > 0 {
		s.logger.Debug("Refusing to delete analysis under a lens", zap.String("analysis_id", analysisID))
		return false, nil
	}

	owned, err := s.store.FindOrigins(ctx, analysisID, graph.RelOwner)
	if err != nil {
		return false, err
	}
	removed := 0
	for _, e := range owned {
		node, err := s.store.FindNode(ctx, e.OriginID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return false, err
		}
		switch node.Kind {
		case graph.KindTrace:
			if err := s.revertTrace(ctx, node.ID, analysisID); err != nil {
				return false, err
			}
		case graph.KindLens, graph.KindAnalysis, graph.KindTraceMirror:
			// own lifecycle
		default:
			if err := s.store.DeleteNode(ctx, node.ID); err != nil && !apperrors.IsNotFound(err) {
				return false, err
			}
			removed++
		}
	}

	if a.TraceID != "" {
		if err := s.revertTrace(ctx, a.TraceID, analysisID); err != nil && !apperrors.IsNotFound(err) {
			return false, err
		}
	}
	mirrors, err := s.mirrors.DeleteForAnalysis(ctx, analysisID)
	if err != nil {
		return false, err
	}
	if err := s.store.DeleteNode(ctx, analysisID); err != nil {
		return false, err
	}

	s.logger.Info("Analysis deleted",
		zap.String("analysis_id", analysisID),
		zap.Int("owned_nodes", removed),
		zap.Int("mirrors", mirrors),
	)
	return true, nil
}

// revertTrace moves a trace back to Draft unless a Finished analysis other than deleting still
// analyzes it
func (s *Service) revertTrace(ctx context.Context, traceID, deleting string) error {
	edges, err := s.store.FindOrigins(ctx, traceID, graph.RelTrace)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.OriginID == deleting {
			continue
		}
		node, err := s.store.FindNode(ctx, e.OriginID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return err
		}
		if node.Kind == graph.KindAnalysis && node.ProcessingState == graph.StateFinished {
			s.logger.Debug("Trace still analyzed, keeping its state",
				zap.String("trace_id", traceID),
				zap.String("analysis_id", node.ID),
			)
			return nil
		}
	}
	return s.traces.SetState(ctx, traceID, graph.StateDraft)
}

// ============================================================================
// Lenses
// ============================================================================

// LensOptions configures a new lens
type LensOptions struct {
	Title         string
	TargetTraceID string
	Autoplay      bool
}

// CreateLens stores a lens with no head. A target must be one of the user's traces.
func (s *Service) CreateLens(ctx context.Context, userID string, opts LensOptions) (*Lens, error) {
	if opts.TargetTraceID != "" {
		if err := s.checkTrace(ctx, userID, opts.TargetTraceID); err != nil {
			return nil, err
		}
	}
	node, err := s.store.CreateNode(ctx, &graph.Node{
		UserID:          userID,
		Kind:            graph.KindLens,
		Title:           opts.Title,
		Content:         encodeLens(opts.Autoplay),
		ProcessingState: graph.StateFinished,
	})
	if err != nil {
		return nil, err
	}
	if opts.TargetTraceID != "" {
		if _, err := graph.Link(ctx, s.store, userID, node.ID, opts.TargetTraceID, graph.RelTarget); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("Lens created", zap.String("lens_id", node.ID), zap.Bool("autoplay", opts.Autoplay))
	return LoadLens(ctx, s.store, node.ID)
}

// ForkLens creates a lens whose head and fork origin are analysisID
func (s *Service) ForkLens(ctx context.Context, userID, analysisID string) (*Lens, error) {
	a, err := LoadAnalysis(ctx, s.store, analysisID)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, apperrors.NewNotFound(analysisID)
	}

	lens, err := s.CreateLens(ctx, userID, LensOptions{Title: a.Title})
	if err != nil {
		return nil, err
	}
	if _, err := graph.Link(ctx, s.store, userID, lens.ID, analysisID, graph.RelFork); err != nil {
		return nil, err
	}
	if err := s.UpdateCurrentLandscape(ctx, lens.ID, analysisID); err != nil {
		return nil, err
	}
	return LoadLens(ctx, s.store, lens.ID)
}

// FindLens loads one lens
func (s *Service) FindLens(ctx context.Context, id string) (*Lens, error) {
	return LoadLens(ctx, s.store, id)
}

// Lenses lists the user's lenses
func (s *Service) Lenses(ctx context.Context, userID string) ([]*Lens, error) {
	nodes, err := s.store.ListNodes(ctx, graph.NodeQuery{UserID: userID, Kinds: []graph.NodeKind{graph.KindLens}})
	if err != nil {
		return nil, err
	}
	lenses := make([]*Lens, 0, len(nodes))
	for _, n := range nodes {
		l, err := LoadLens(ctx, s.store, n.ID)
		if err != nil {
			return nil, err
		}
		lenses = append(lenses, l)
	}
	return lenses, nil
}

// MoveHead points the lens at analysisID, leaving its target untouched
func (s *Service) MoveHead(ctx context.Context, lens *Lens, analysisID string) error {
	if err := s.store.Repoint(ctx, lens.ID, lens.UserID, map[graph.RelationCode]string{graph.RelHead: analysisID}); err != nil {
		return err
	}
	lens.HeadID = analysisID
	return nil
}

// UpdateCurrentLandscape points the lens at analysisID and, when the analysis has a trace,
// targets that trace. Both pointers change in one write.
func (s *Service) UpdateCurrentLandscape(ctx context.Context, lensID, analysisID string) error {
	lens, err := LoadLens(ctx, s.store, lensID)
	if err != nil {
		return err
	}
	a, err := LoadAnalysis(ctx, s.store, analysisID)
	if err != nil {
		return err
	}
	targets := map[graph.RelationCode]string{graph.RelHead: a.ID}
	if a.TraceID != "" {
		targets[graph.RelTarget] = a.TraceID
	}
	return s.store.Repoint(ctx, lens.ID, lens.UserID, targets)
}

// SetTarget retargets a lens at one of its user's traces
func (s *Service) SetTarget(ctx context.Context, lens *Lens, traceID string) error {
	if err := s.checkTrace(ctx, lens.UserID, traceID); err != nil {
		return err
	}
	if err := s.store.Repoint(ctx, lens.ID, lens.UserID, map[graph.RelationCode]string{graph.RelTarget: traceID}); err != nil {
		return err
	}
	lens.TargetTraceID = traceID
	return nil
}

// checkTrace reports another user's trace as not found
func (s *Service) checkTrace(ctx context.Context, userID, traceID string) error {
	t, err := s.traces.Find(ctx, traceID)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return apperrors.NewNotFound(traceID)
	}
	return nil
}

func (s *Service) setLensState(ctx context.Context, lens *Lens, state graph.ProcessingState) error {
	node, err := s.store.FindNode(ctx, lens.ID)
	if err != nil {
		return err
	}
	node.ProcessingState = state
	if _, err := s.store.UpdateNode(ctx, node); err != nil {
		return err
	}
	lens.State = state
	return nil
}

// RunLensStep advances the lens by one trace. It reports false when the lens is caught up or has
// reached its target; a lens in Replay state re-analyzes its head's trace once at that point.
func (s *Service) RunLensStep(ctx context.Context, lensID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "landscape.RunLensStep",
		oteltrace.WithAttributes(attribute.String("lens.id", lensID)),
	)
	defer span.End()

	stepped, result, err := s.step(ctx, lensID)
	s.metrics.LensStep(result)
	span.SetAttributes(attribute.String("lens.step_result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetStatus(codes.Ok, "")
	return stepped, nil
}

func (s *Service) step(ctx context.Context, lensID string) (bool, string, error) {
	lens, err := LoadLens(ctx, s.store, lensID)
	if err != nil {
		return false, stepFailed, err
	}

	var (
		head *Analysis
		next *trace.Trace
	)
	if lens.HeadID == "" {
		if next, err = s.traces.First(ctx, lens.UserID); err != nil {
			return false, stepFailed, err
		}
	} else {
		if head, err = LoadAnalysis(ctx, s.store, lens.HeadID); err != nil {
			return false, stepFailed, err
		}
		// Terminal check before the next-trace lookup so a caught-up lens can still replay. A
		// target older than the head counts as reached; the head never walks backwards.
		if lens.TargetTraceID != "" {
			reached := head.TraceID == lens.TargetTraceID
			if !reached {
				if reached, err = s.traces.Precedes(ctx, lens.UserID, lens.TargetTraceID, head.TraceID); err != nil {
					return false, stepFailed, err
				}
			}
			if reached {
				return s.terminal(ctx, lens, head)
			}
		}
		if next, err = s.traces.Next(ctx, lens.UserID, head.TraceID); err != nil {
			return false, stepFailed, err
		}
	}

	if next == nil {
		if head != nil {
			return s.terminal(ctx, lens, head)
		}
		return false, stepCaughtUp, nil
	}

	parentID := ""
	if head != nil {
		parentID = head.ID
	}
	a, err := s.CreateAnalysis(ctx, lens.UserID, parentID, next.ID, "")
	if err != nil {
		return false, stepFailed, err
	}
	if err := s.pipeline.Process(ctx, a.ID); err != nil {
		s.logger.Error("Analysis pipeline failed",
			zap.String("lens_id", lens.ID),
			zap.String("analysis_id", a.ID),
			zap.String("trace_id", next.ID),
			zap.Error(err),
		)
		return false, stepFailed, err
	}
	if err := s.MoveHead(ctx, lens, a.ID); err != nil {
		return false, stepFailed, err
	}

	s.logger.Info("Lens stepped",
		zap.String("lens_id", lens.ID),
		zap.String("analysis_id", a.ID),
		zap.String("trace_id", next.ID),
	)
	return true, stepStepped, nil
}

// terminal handles a lens at its target: stop, or replay the head once
func (s *Service) terminal(ctx context.Context, lens *Lens, head *Analysis) (bool, string, error) {
	if lens.State != graph.StateReplay {
		return false, stepCaughtUp, nil
	}

	a, err := s.CreateAnalysis(ctx, lens.UserID, head.ID, head.TraceID, head.ID)
	if err != nil {
		return false, stepFailed, err
	}
	if err := s.pipeline.Process(ctx, a.ID); err != nil {
		return false, stepFailed, err
	}
	if err := s.MoveHead(ctx, lens, a.ID); err != nil {
		return false, stepFailed, err
	}
	if err := s.setLensState(ctx, lens, graph.StateFinished); err != nil {
		return false, stepFailed, err
	}

	s.logger.Info("Lens replayed",
		zap.String("lens_id", lens.ID),
		zap.String("analysis_id", a.ID),
		zap.String("replayed_from_id", head.ID),
	)
	return false, stepReplayed, nil
}

// RunLens steps the lens until it is caught up and returns the number of forward steps. Concurrent
// calls for the same lens share one run.
func (s *Service) RunLens(ctx context.Context, lensID string) (int, error) {
	steps, shared, err := s.catchUp(ctx, lensID)
	if shared && err == nil {
		// The shared run may have made its last next-trace lookup before this call began
		s.logger.Debug("Joined running lens catch-up", zap.String("lens_id", lensID))
		more, _, moreErr := s.catchUp(ctx, lensID)
		steps += more
		err = moreErr
	}
	return steps, err
}

func (s *Service) catchUp(ctx context.Context, lensID string) (int, bool, error) {
	v, err, shared := s.runs.Do(lensID, func() (interface{}, error) {
		steps := 0
		for {
			if err := ctx.Err(); err != nil {
				return steps, err
			}
			stepped, err := s.RunLensStep(ctx, lensID)
			if err != nil {
				return steps, err
			}
			if !stepped {
				return steps, nil
			}
			steps++
		}
	})
	steps, _ := v.(int)
	return steps, shared, err
}

// Replay marks the lens for a single re-analysis of its head's trace and runs it
func (s *Service) Replay(ctx context.Context, lensID string) (int, error) {
	lens, err := LoadLens(ctx, s.store, lensID)
	if err != nil {
		return 0, err
	}
	if lens.HeadID == "" {
		return 0, apperrors.NewInvalidInput("lens_id", "lens has no analysis to replay")
	}
	if err := s.setLensState(ctx, lens, graph.StateReplay); err != nil {
		return 0, err
	}
	return s.RunLens(ctx, lensID)
}

// DeleteLensAndLandscapes walks the lens back towards its root, deleting each analysis it leaves
// until one is refused, and deletes the lens. It returns the number of analyses deleted.
func (s *Service) DeleteLensAndLandscapes(ctx context.Context, lensID string) (int, error) {
	deleted := 0
	for {
		lens, err := LoadLens(ctx, s.store, lensID)
		if err != nil {
			return deleted, err
		}
		if lens.HeadID == "" {
			return deleted, s.store.DeleteNode(ctx, lens.ID)
		}
		head, err := LoadAnalysis(ctx, s.store, lens.HeadID)
		if err != nil {
			return deleted, err
		}

		if head.ParentID == "" {
			if err := s.store.DeleteNode(ctx, lens.ID); err != nil {
				return deleted, err
			}
			ok, err := s.DeleteLeafAndCleanup(ctx, head.ID)
			if err != nil {
				return deleted, err
			}
			if ok {
				deleted++
			}
			return deleted, nil
		}

		if err := s.MoveHead(ctx, lens, head.ParentID); err != nil {
			return deleted, err
		}
		ok, err := s.DeleteLeafAndCleanup(ctx, head.ID)
		if err != nil {
			return deleted, err
		}
		if !ok {
			s.logger.Info("Lens deletion stopped at shared analysis",
				zap.String("lens_id", lensID),
				zap.String("analysis_id", head.ID),
				zap.Int("deleted", deleted),
			)
			return deleted, nil
		}
		deleted++
	}
}

// ============================================================================
// Background catch-up
// ============================================================================

// AdvanceAnalysis targets the user's main lens at the last trace on or before date and starts a
// background catch-up. It returns the lens immediately.
func (s *Service) AdvanceAnalysis(ctx context.Context, userID string, date time.Time) (*Lens, error) {
	target, err := s.traces.LastOnOrBefore(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, apperrors.NewInvalidInput("date", "no trace on or before "+date.Format(time.RFC3339))
	}

	lens, err := s.mainLens(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.SetTarget(ctx, lens, target.ID); err != nil {
		return nil, err
	}

	s.RunDetached(lens.ID)
	return lens, nil
}

// IngestTrace stores a new trace, retargets every autoplay lens of the user at it and starts
// their background catch-up
func (s *Service) IngestTrace(ctx context.Context, in trace.NewTrace) (*trace.Trace, error) {
	t, err := s.traces.CreateTrace(ctx, in)
	if err != nil {
		return nil, err
	}

	lenses, err := s.Lenses(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	for _, lens := range lenses {
		if !lens.Autoplay {
			continue
		}
		if err := s.SetTarget(ctx, lens, t.ID); err != nil {
			return nil, err
		}
		s.RunDetached(lens.ID)
	}
	return t, nil
}

// RunDetached starts RunLens in the background under its own timeout. Failures are logged.
func (s *Service) RunDetached(lensID string) {
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.detachedTimeout)
		defer cancel()

		steps, err := s.RunLens(ctx, lensID)
		if err != nil {
			s.logger.Error("Background lens catch-up failed",
				zap.String("lens_id", lensID),
				zap.Int("steps", steps),
				zap.Error(err),
			)
			return
		}
		s.logger.Info("Background lens catch-up finished",
			zap.String("lens_id", lensID),
			zap.Int("steps", steps),
		)
	}()
}

// Wait blocks until every background catch-up has returned
func (s *Service) Wait() {
	s.detached.Wait()
}

func (s *Service) mainLens(ctx context.Context, userID string) (*Lens, error) {
	lenses, err := s.Lenses(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, l := range lenses {
		if l.Title == constants.MainLensTitle {
			return l, nil
		}
	}
	return s.CreateLens(ctx, userID, LensOptions{Title: constants.MainLensTitle})
}
