package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/expgrid/dispatchd/internal/application/graph"
	"github.com/expgrid/dispatchd/internal/application/locks"
	"github.com/expgrid/dispatchd/internal/application/queue"
	"github.com/expgrid/dispatchd/internal/application/taskstate"
	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// Config holds lifecycle controller tuning.
type Config struct {
	// MaxUpdateAttempts bounds optimistic-lock retry cycles per mutation.
	MaxUpdateAttempts int
	// DefaultTaskTimeout applies to tasks created without their own ceiling.
	DefaultTaskTimeout time.Duration
	// TimeoutHardCeiling caps per-task timeouts regardless of configuration.
	TimeoutHardCeiling time.Duration
	// ReconcileGraceWindow spares recently updated tasks from drift checks.
	ReconcileGraceWindow time.Duration
	// ReportQueueSize and ReportWorkers size the async report dispatcher.
	ReportQueueSize int
	ReportWorkers   int
}

// Controller coordinates execution-context lifecycles: production, start,
// worker assignment, report processing, cancellation and deletion. All
// graph access for a context goes through its write or read lock in the
// synchronization registry; queue index mutations go through the queue's
// own coarse mutex.
type Controller struct {
	store   ports.TaskStore
	bus     ports.EventBus
	metrics ports.MetricsCollector
	codec   ports.ParamsCodec
	locks   *locks.Registry
	queue   *queue.Queue
	logger  *zap.Logger
	cfg     Config

	// Cached graphs per execution context, rebuilt wholesale from storage
	// on first use and dropped when the context ends.
	graphs sync.Map // execution context id -> *graph.Graph

	dispatcher *reportDispatcher
}

// Status is the operator-facing view of one execution context.
type Status struct {
	ExecutionContextID string                `json:"execution_context_id"`
	LifecycleState     domain.LifecycleState `json:"lifecycle_state"`
	UnfinishedTasks    int                   `json:"unfinished_tasks"`
	BrokenTasks        []domain.TaskVertex   `json:"broken_tasks,omitempty"`
}

// NewController creates a lifecycle controller and starts its report
// dispatcher pool.
func NewController(
	store ports.TaskStore,
	bus ports.EventBus,
	metrics ports.MetricsCollector,
	codec ports.ParamsCodec,
	lockRegistry *locks.Registry,
	taskQueue *queue.Queue,
	logger *zap.Logger,
	cfg Config,
) *Controller {
	if cfg.MaxUpdateAttempts < 1 {
		cfg.MaxUpdateAttempts = 3
	}
	if cfg.TimeoutHardCeiling <= 0 || cfg.TimeoutHardCeiling > time.Hour {
		cfg.TimeoutHardCeiling = time.Hour
	}
	if cfg.ReportQueueSize < 1 {
		cfg.ReportQueueSize = 256
	}
	if cfg.ReportWorkers < 1 {
		cfg.ReportWorkers = 4
	}

	c := &Controller{
		store:   store,
		bus:     bus,
		metrics: metrics,
		codec:   codec,
		locks:   lockRegistry,
		queue:   taskQueue,
		logger:  logger,
		cfg:     cfg,
	}
	c.dispatcher = newReportDispatcher(cfg.ReportQueueSize, cfg.ReportWorkers, logger)
	c.dispatcher.start()
	return c
}

// CreateContext creates a new execution context in PRODUCING state: the
// external producer is expected to insert the initial task graph next.
func (c *Controller) CreateContext(ctx context.Context) (*domain.ExecutionContext, error) {
	ec := &domain.ExecutionContext{
		ID:             uuid.New().String(),
		LifecycleState: domain.LifecycleStateProducing,
		CreatedOn:      time.Now(),
	}
	if err := c.store.CreateContext(ctx, ec); err != nil {
		return nil, fmt.Errorf("failed to create execution context: %w", err)
	}

	c.logger.Info("execution context created",
		zap.String("execution_context_id", ec.ID))
	return ec, nil
}

// MarkProduced moves a context from PRODUCING to PRODUCED once the initial
// task graph is verified complete: tasks exist, edges form a DAG and at
// least one root vertex is discoverable.
func (c *Controller) MarkProduced(ctx context.Context, executionContextID string) error {
	guard := c.locks.Write(executionContextID)
	defer guard.Release()

	g, err := c.rebuildGraphLocked(ctx, executionContextID, guard)
	if err != nil {
		return err
	}
	if g.Size() == 0 {
		return fmt.Errorf("execution context %s has no tasks", executionContextID)
	}
	if len(g.Roots()) == 0 {
		c.markErrorLocked(ctx, executionContextID, "no root vertices after production")
		return fmt.Errorf("execution context %s: %w", executionContextID, graph.ErrCycleFound)
	}

	_, err = taskstate.UpdateContextWithRetry(ctx, c.store, executionContextID, c.cfg.MaxUpdateAttempts,
		func(ec *domain.ExecutionContext) (bool, error) {
			if ec.LifecycleState != domain.LifecycleStateProducing {
				return false, fmt.Errorf("cannot mark produced from %s", ec.LifecycleState)
			}
			ec.LifecycleState = domain.LifecycleStateProduced
			return true, nil
		})
	if err != nil {
		return err
	}

	c.publishEvent(ctx, domain.EventTypeContextProduced, executionContextID, "", nil)
	c.logger.Info("execution context produced",
		zap.String("execution_context_id", executionContextID),
		zap.Int("tasks", g.Size()))
	return nil
}

// StartContext moves a PRODUCED context to STARTED and seeds the queue
// with every currently assignable vertex.
func (c *Controller) StartContext(ctx context.Context, executionContextID string) error {
	guard := c.locks.Write(executionContextID)
	defer guard.Release()

	_, err := taskstate.UpdateContextWithRetry(ctx, c.store, executionContextID, c.cfg.MaxUpdateAttempts,
		func(ec *domain.ExecutionContext) (bool, error) {
			if ec.LifecycleState != domain.LifecycleStateProduced {
				return false, fmt.Errorf("cannot start from %s", ec.LifecycleState)
			}
			ec.LifecycleState = domain.LifecycleStateStarted
			return true, nil
		})
	if err != nil {
		return err
	}

	g, err := c.graphLocked(ctx, executionContextID, guard)
	if err != nil {
		return err
	}

	c.queue.SetContextStarted(executionContextID, true)
	for _, v := range g.FindAllForAssigning() {
		c.queue.RegisterTask(executionContextID, v)
	}
	c.recordQueueDepth(executionContextID)
	c.setActiveContexts(ctx)

	c.publishEvent(ctx, domain.EventTypeContextStarted, executionContextID, "", nil)
	c.logger.Info("execution context started",
		zap.String("execution_context_id", executionContextID))
	return nil
}

// CancelContext abandons all still-unassigned work: every NONE task is
// marked SKIPPED and removed from the queue. In-flight tasks drain through
// the normal report path; the context reaches FINISHED through the usual
// gate once they do.
func (c *Controller) CancelContext(ctx context.Context, executionContextID string) error {
	guard := c.locks.Write(executionContextID)
	defer guard.Release()

	ec, err := c.store.GetContext(ctx, executionContextID)
	if err != nil {
		return err
	}
	if ec.LifecycleState != domain.LifecycleStateStarted {
		return fmt.Errorf("cannot cancel execution context in %s", ec.LifecycleState)
	}

	g, err := c.graphLocked(ctx, executionContextID, guard)
	if err != nil {
		return err
	}

	for _, v := range g.FindAll() {
		if v.ExecState != domain.ExecStateNone {
			continue
		}
		if _, err := g.UpdateTaskExecState(v.TaskID, domain.ExecStateSkipped, v.ContextID); err != nil {
			return err
		}
		if err := c.persistStateChange(ctx, graph.StateChange{TaskID: v.TaskID, NewState: domain.ExecStateSkipped}); err != nil {
			return err
		}
		c.queue.DeregisterTask(executionContextID, v.TaskID)
	}
	c.recordQueueDepth(executionContextID)

	c.publishEvent(ctx, domain.EventTypeContextCancel, executionContextID, "", nil)
	c.logger.Info("execution context cancelled",
		zap.String("execution_context_id", executionContextID))

	return c.maybeFinishLocked(ctx, executionContextID, guard)
}

// MarkContextError moves a context to terminal ERROR. Used for structural
// corruption: zero roots, cyclic edges, tasks without durable rows. Not
// retried automatically; an operator has to intervene.
func (c *Controller) MarkContextError(ctx context.Context, executionContextID, reason string) error {
	guard := c.locks.Write(executionContextID)
	defer guard.Release()
	return c.markErrorLocked(ctx, executionContextID, reason)
}

func (c *Controller) markErrorLocked(ctx context.Context, executionContextID, reason string) error {
	_, err := taskstate.UpdateContextWithRetry(ctx, c.store, executionContextID, c.cfg.MaxUpdateAttempts,
		func(ec *domain.ExecutionContext) (bool, error) {
			if ec.LifecycleState.IsTerminal() {
				return false, nil
			}
			ec.LifecycleState = domain.LifecycleStateError
			now := time.Now()
			ec.CompletedOn = &now
			return true, nil
		})
	if err != nil {
		return err
	}

	c.queue.RemoveContext(executionContextID)
	c.graphs.Delete(executionContextID)
	c.setActiveContexts(ctx)

	c.publishEvent(ctx, domain.EventTypeContextError, executionContextID, "", map[string]interface{}{
		"reason": reason,
	})
	c.logger.Error("execution context moved to ERROR",
		zap.String("execution_context_id", executionContextID),
		zap.String("reason", reason))
	return nil
}

// DeleteContext removes a terminal context and cascades to its tasks,
// edges and queue entries.
func (c *Controller) DeleteContext(ctx context.Context, executionContextID string) error {
	guard := c.locks.Write(executionContextID)
	defer guard.Release()

	ec, err := c.store.GetContext(ctx, executionContextID)
	if err != nil {
		return err
	}
	if !ec.LifecycleState.IsTerminal() {
		return fmt.Errorf("cannot delete execution context in %s", ec.LifecycleState)
	}

	if err := c.store.DeleteContext(ctx, executionContextID); err != nil {
		return err
	}
	c.queue.RemoveContext(executionContextID)
	c.graphs.Delete(executionContextID)

	c.logger.Info("execution context deleted",
		zap.String("execution_context_id", executionContextID))
	return nil
}

// ContextStatus returns the lifecycle state, unfinished-task count and the
// currently broken tasks of a context.
func (c *Controller) ContextStatus(ctx context.Context, executionContextID string) (*Status, error) {
	ec, err := c.store.GetContext(ctx, executionContextID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		ExecutionContextID: executionContextID,
		LifecycleState:     ec.LifecycleState,
	}

	guard := c.locks.Read(executionContextID)
	defer guard.Release()

	if cached, ok := c.graphs.Load(executionContextID); ok {
		g := cached.(*graph.Graph)
		st.UnfinishedTasks = g.GetCountUnfinishedTasks()
		st.BrokenTasks = g.FindAllBroken()
		return st, nil
	}

	count, err := c.store.CountUnfinishedTasks(ctx, executionContextID)
	if err != nil {
		return nil, err
	}
	st.UnfinishedTasks = count
	return st, nil
}

// StartedContextIDs lists contexts currently in STARTED state, for the
// reconciliation sweep.
func (c *Controller) StartedContextIDs(ctx context.Context) ([]string, error) {
	contexts, err := c.store.ListContexts(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ec := range contexts {
		if ec.LifecycleState == domain.LifecycleStateStarted {
			out = append(out, ec.ID)
		}
	}
	return out, nil
}

// Shutdown drains the report dispatcher.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down lifecycle controller")
	return c.dispatcher.shutdown(ctx)
}

// graphLocked returns the cached graph for the context, building it from
// persisted task and edge rows on first use. The caller must hold the
// context lock.
func (c *Controller) graphLocked(ctx context.Context, executionContextID string, guard *locks.Guard) (*graph.Graph, error) {
	guard.MustHold(executionContextID, false)

	if cached, ok := c.graphs.Load(executionContextID); ok {
		return cached.(*graph.Graph), nil
	}
	return c.rebuildGraphLocked(ctx, executionContextID, guard)
}

// rebuildGraphLocked reloads the graph wholesale from storage, replacing
// any cached instance. The caller must hold the context lock.
func (c *Controller) rebuildGraphLocked(ctx context.Context, executionContextID string, guard *locks.Guard) (*graph.Graph, error) {
	guard.MustHold(executionContextID, false)

	tasks, err := c.store.ListTasks(ctx, executionContextID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	edges, err := c.store.ListEdges(ctx, executionContextID)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}

	vertices := make([]domain.TaskVertex, 0, len(tasks))
	for _, t := range tasks {
		vertices = append(vertices, t.Vertex())
	}

	g, err := graph.Build(executionContextID, vertices, edges)
	if err != nil {
		return nil, err
	}
	c.graphs.Store(executionContextID, g)
	return g, nil
}

// maybeFinishLocked moves a STARTED context to FINISHED once the graph
// reports zero unfinished tasks AND the durable store agrees. The double
// check protects against a stale in-memory graph. FINISHED does not imply
// all tasks succeeded.
func (c *Controller) maybeFinishLocked(ctx context.Context, executionContextID string, guard *locks.Guard) error {
	guard.MustHold(executionContextID, true)

	cached, ok := c.graphs.Load(executionContextID)
	if !ok {
		return nil
	}
	g := cached.(*graph.Graph)
	if g.GetCountUnfinishedTasks() > 0 {
		return nil
	}

	durable, err := c.store.CountUnfinishedTasks(ctx, executionContextID)
	if err != nil {
		return err
	}
	if durable > 0 {
		c.logger.Warn("graph reports finished but durable store disagrees; leaving to reconciliation",
			zap.String("execution_context_id", executionContextID),
			zap.Int("durable_unfinished", durable))
		return nil
	}

	_, err = taskstate.UpdateContextWithRetry(ctx, c.store, executionContextID, c.cfg.MaxUpdateAttempts,
		func(ec *domain.ExecutionContext) (bool, error) {
			if ec.LifecycleState != domain.LifecycleStateStarted {
				return false, nil
			}
			ec.LifecycleState = domain.LifecycleStateFinished
			now := time.Now()
			ec.CompletedOn = &now
			return true, nil
		})
	if err != nil {
		return err
	}

	c.queue.RemoveContext(executionContextID)
	c.setActiveContexts(ctx)

	c.publishEvent(ctx, domain.EventTypeContextFinished, executionContextID, "", nil)
	c.logger.Info("execution context finished",
		zap.String("execution_context_id", executionContextID))
	return nil
}

func (c *Controller) persistStateChange(ctx context.Context, change graph.StateChange) error {
	_, err := taskstate.UpdateTaskWithRetry(ctx, c.store, change.TaskID, c.cfg.MaxUpdateAttempts,
		func(t *domain.Task) (bool, error) {
			if t.ExecState == change.NewState {
				return false, nil
			}
			// Never demote a legitimately completed task to a propagated
			// state.
			if change.NewState == domain.ExecStateBroken || change.NewState == domain.ExecStateSkipped {
				if t.ExecState == domain.ExecStateOK || t.ExecState == domain.ExecStateError {
					return false, nil
				}
			}
			t.ExecState = change.NewState
			t.UpdatedOn = time.Now()
			return true, nil
		})
	return err
}

func (c *Controller) publishEvent(ctx context.Context, eventType domain.EventType, executionContextID, taskID string, data map[string]interface{}) {
	event := domain.Event{
		ID:                 uuid.New().String(),
		Type:               eventType,
		ExecutionContextID: executionContextID,
		TaskID:             taskID,
		Timestamp:          time.Now(),
		Data:               data,
	}
	if err := c.bus.Publish(ctx, topicFor(eventType), event); err != nil {
		c.logger.Error("failed to publish event",
			zap.String("event_type", string(eventType)),
			zap.String("execution_context_id", executionContextID),
			zap.Error(err))
	}
}

func topicFor(eventType domain.EventType) string {
	switch eventType {
	case domain.EventTypeTaskAssigned, domain.EventTypeTaskOK, domain.EventTypeTaskError,
		domain.EventTypeTaskBroken, domain.EventTypeTaskReset, domain.EventTypeTaskInserted:
		return "task.events"
	default:
		return "context.events"
	}
}

func (c *Controller) recordQueueDepth(executionContextID string) {
	offerable, inFlight := c.queue.Depth(executionContextID)
	c.metrics.SetQueueDepth(executionContextID, offerable, inFlight)
}

func (c *Controller) setActiveContexts(ctx context.Context) {
	ids, err := c.StartedContextIDs(ctx)
	if err != nil {
		return
	}
	c.metrics.SetActiveContexts(len(ids))
}
