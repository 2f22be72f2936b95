// Package orchestrator owns when sync cycles run. Exactly one cycle runs at
// a time; triggers arriving mid-cycle coalesce into a single follow-up run.
// Within a cycle push always precedes pull, so the device's own writes are
// committed before the pulled view can reflect them.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/connectivity"
	"github.com/shopstack/possync/internal/db"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/pull"
	"github.com/shopstack/possync/internal/push"
	"github.com/shopstack/possync/internal/queue"
)

// State is the orchestrator's coarse activity state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// EventType is the observer event vocabulary.
type EventType string

const (
	EventStatusChanged EventType = "status-changed"
	EventProgress      EventType = "progress"
	EventCycleComplete EventType = "cycle-complete"
)

// Event is delivered to observers as a cycle progresses.
type Event struct {
	Type  EventType
	State State
	Phase string // "push" or "pull" on progress events
	Push  push.Result
	Pull  pull.Result
	Err   error
}

// Observer receives orchestrator events. Callbacks run on the sync goroutine
// and must not block.
type Observer interface {
	OnEvent(Event)
}

// Status is a point-in-time snapshot for UIs and the CLI.
type Status struct {
	State        State             `json:"state"`
	Reachable    bool              `json:"reachable"`
	PendingCount int               `json:"pending_count"`
	Checkpoint   models.Checkpoint `json:"checkpoint"`
	LastSyncAt   time.Time         `json:"last_sync_at"`
	LastError    string            `json:"last_error,omitempty"`
}

// CycleResult is the outcome of one push-then-pull cycle.
type CycleResult struct {
	Push push.Result
	Pull pull.Result
}

// Orchestrator coordinates the push and pull pipelines.
type Orchestrator struct {
	push     *push.Pipeline
	pull     *pull.Pipeline
	queue    *queue.Queue
	repo     *db.Repository
	monitor  *connectivity.Monitor
	interval time.Duration
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	lastSyncAt time.Time
	lastError  string
	observers  []Observer

	// triggerCh has capacity one: any number of triggers during an active
	// cycle collapse into exactly one follow-up cycle.
	triggerCh chan struct{}
	stopCh    chan struct{}
	stopped   sync.Once
	wg        sync.WaitGroup
}

// New creates an Orchestrator.
func New(pushPipe *push.Pipeline, pullPipe *pull.Pipeline, q *queue.Queue,
	repo *db.Repository, monitor *connectivity.Monitor, interval time.Duration,
	logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		push:      pushPipe,
		pull:      pullPipe,
		queue:     q,
		repo:      repo,
		monitor:   monitor,
		interval:  interval,
		logger:    logger,
		state:     StateIdle,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// AddObserver registers an observer for cycle events.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// TriggerSync requests a cycle. Safe from any goroutine; requests made while
// a cycle is active coalesce.
func (o *Orchestrator) TriggerSync() {
	select {
	case o.triggerCh <- struct{}{}:
	default:
	}
}

// Start runs the trigger loop until the context is cancelled or Stop is
// called. Settled reachability and the periodic ticker both feed TriggerSync.
func (o *Orchestrator) Start(ctx context.Context) {
	events := o.monitor.Subscribe()
	ticker := time.NewTicker(o.interval)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			case ev := <-events:
				if ev == connectivity.EventBecameReachable {
					o.logger.Info("connectivity restored, scheduling sync")
					o.TriggerSync()
				}
			case <-ticker.C:
				o.TriggerSync()
			case <-o.triggerCh:
				if _, err := o.runCycle(ctx); err != nil {
					o.logger.Warn("sync cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the trigger loop. An in-flight cycle finishes first.
func (o *Orchestrator) Stop() {
	o.stopped.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// SyncOnce runs a single cycle synchronously, for one-shot CLI use.
func (o *Orchestrator) SyncOnce(ctx context.Context) (CycleResult, error) {
	return o.runCycle(ctx)
}

// Status returns a snapshot of sync state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		State:      o.state,
		LastSyncAt: o.lastSyncAt,
		LastError:  o.lastError,
	}
	o.mu.Unlock()

	st.Reachable = o.monitor.IsReachable()
	if n, err := o.queue.PendingCount(); err == nil {
		st.PendingCount = n
	}
	if pos, err := o.repo.GetCheckpoint(); err == nil {
		st.Checkpoint = pos
	}
	return st
}

// runCycle executes push then pull. Losing connectivity mid-cycle does not
// cancel it; the transient failure path ends it instead.
func (o *Orchestrator) runCycle(ctx context.Context) (CycleResult, error) {
	if !o.monitor.IsReachable() {
		o.logger.Debug("skipping sync, authority unreachable")
		return CycleResult{}, nil
	}

	o.mu.Lock()
	if o.state == StateSyncing {
		o.mu.Unlock()
		return CycleResult{}, apperrors.New(apperrors.ErrSyncFailed, "a sync cycle is already running")
	}
	o.state = StateSyncing
	o.mu.Unlock()
	o.emit(Event{Type: EventStatusChanged, State: StateSyncing})

	var result CycleResult
	var cycleErr error

	result.Push, cycleErr = o.push.Run(ctx)
	o.emit(Event{Type: EventProgress, State: StateSyncing, Phase: "push", Push: result.Push, Err: cycleErr})

	// Pull only after a clean push: a transient push failure means the
	// channel is unhealthy, and pulling before local writes are delivered
	// would surrender push-before-pull ordering.
	if cycleErr == nil {
		result.Pull, cycleErr = o.pull.Run(ctx)
		o.emit(Event{Type: EventProgress, State: StateSyncing, Phase: "pull", Pull: result.Pull, Err: cycleErr})
	}

	o.mu.Lock()
	o.state = StateIdle
	o.lastSyncAt = time.Now()
	if cycleErr != nil {
		o.lastError = cycleErr.Error()
	} else {
		o.lastError = ""
	}
	o.mu.Unlock()

	o.emit(Event{Type: EventStatusChanged, State: StateIdle})
	o.emit(Event{Type: EventCycleComplete, State: StateIdle, Push: result.Push, Pull: result.Pull, Err: cycleErr})

	if cycleErr != nil {
		return result, cycleErr
	}
	o.logger.Info("sync cycle complete",
		zap.Int("pushed", result.Push.Synced),
		zap.Int("push_failed", result.Push.Failed),
		zap.Int("pulled_products", result.Pull.Products),
		zap.Int("pulled_stock", result.Pull.StockLevels),
		zap.Int64("checkpoint", int64(result.Pull.Checkpoint)))
	return result, nil
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	obs := make([]Observer, len(o.observers))
	copy(obs, o.observers)
	o.mu.Unlock()

	for _, observer := range obs {
		observer.OnEvent(ev)
	}
}
