// Package jobs runs migrations handed over by the task queue and keeps
// their progress in a state store.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"kumo/internal/driver"
	"kumo/internal/logging"
	"kumo/internal/migration"
	"kumo/internal/poll"
	"kumo/internal/queue"
	"kumo/internal/staging"
)

// Request is the queue payload of one migration
type Request struct {
	ID   string          `json:"id"`
	Spec *migration.Spec `json:"migration"`
}

// Options wires a Manager. Factory defaults to driver.New and Clock to the
// wall clock. A Manager that only submits needs no Staging.
type Options struct {
	Queue         queue.Client
	Store         StateStore
	Staging       *staging.Area
	Factory       driver.Factory
	Short         poll.Policy
	Long          poll.Policy
	Clock         clock.Clock
	DiskTool      driver.DiskTool
	Runner        driver.CommandRunner
	GcloudPath    string
	FailurePolicy migration.FailurePolicy
}

// Manager submits migrations and runs them when they are delivered
type Manager struct {
	opts Options
	mu   sync.Mutex
	jobs map[string]*State
}

// NewManager creates a Manager
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Factory == nil {
		opts.Factory = driver.New
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Manager{opts: opts, jobs: make(map[string]*State)}, nil
}

// Submit stores a Pending job for spec and enqueues it. The returned ID
// addresses the job in Get.
func (m *Manager) Submit(ctx context.Context, spec *migration.Spec) (string, error) {
	if m.opts.Queue == nil {
		return "", errors.New("no task queue configured")
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}

	id := fmt.Sprintf("mig-%s", uuid.NewString())
	state := newState(id, spec, m.opts.Clock)

	payload, err := json.Marshal(Request{ID: id, Spec: spec})
	if err != nil {
		return "", fmt.Errorf("failed to marshal migration request: %w", err)
	}

	m.mu.Lock()
	m.jobs[id] = state
	m.mu.Unlock()

	if err := m.opts.Store.Save(ctx, state.clone()); err != nil {
		return "", err
	}
	if err := m.opts.Queue.Enqueue(ctx, queue.Message{ID: id, Payload: payload, Queued: state.SubmittedAt}); err != nil {
		m.update(id, func(s *State) {
			s.Status = StatusFailed
			s.Error = err.Error()
			s.EndTime = m.opts.Clock.Now()
		})
		return "", err
	}

	logging.Logger().Info("migration submitted",
		zap.String("migration_id", id),
		zap.String("vm", spec.VirtualMachine),
		zap.String("source", string(spec.SourceAccount.Cloud)),
		zap.String("destination", string(spec.DestinationAccount.Cloud)))
	return id, nil
}

func newState(id string, spec *migration.Spec, clk clock.Clock) *State {
	return &State{
		ID:          id,
		VM:          spec.VirtualMachine,
		Source:      spec.SourceAccount.Cloud,
		Destination: spec.DestinationAccount.Cloud,
		Status:      StatusPending,
		SubmittedAt: clk.Now(),
	}
}

// Get returns a copy of the job state
func (m *Manager) Get(ctx context.Context, id string) (*State, error) {
	m.mu.Lock()
	state, ok := m.jobs[id]
	if ok {
		defer m.mu.Unlock()
		return state.clone(), nil
	}
	m.mu.Unlock()

	return m.opts.Store.Get(ctx, id)
}

// Handle is the queue handler. A migration that ran and failed is
// acknowledged like a successful one; only failures to start it hand the
// message back for redelivery.
func (m *Manager) Handle(ctx context.Context, msg queue.Message) error {
	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		logging.Logger().Error("dropping malformed migration request",
			zap.String("message_id", msg.ID),
			zap.String("payload", logging.Truncate(string(msg.Payload))),
			zap.Error(err))
		return nil
	}
	if req.ID == "" {
		req.ID = msg.ID
	}
	if req.Spec == nil {
		logging.Logger().Error("dropping migration request without a migration document", zap.String("migration_id", req.ID))
		return nil
	}

	prior, err := m.opts.Store.Get(ctx, req.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case prior.Status.Finished():
		logging.Logger().Info("skipping redelivered migration",
			zap.String("migration_id", req.ID),
			zap.String("status", string(prior.Status)))
		return nil
	default:
		m.mu.Lock()
		if _, ok := m.jobs[req.ID]; !ok {
			m.jobs[req.ID] = prior
		}
		m.mu.Unlock()
	}

	// a started migration is never cancelled, not even by worker shutdown
	_, err = m.Run(context.WithoutCancel(ctx), req.ID, req.Spec)
	return err
}

// Run executes one migration to completion and returns its final state.
// The returned error is nil once the migration has started; its outcome is
// in the state.
func (m *Manager) Run(ctx context.Context, id string, spec *migration.Spec) (*State, error) {
	log := logging.Logger().With(zap.String("migration_id", id), zap.String("vm", spec.VirtualMachine))

	m.mu.Lock()
	state, ok := m.jobs[id]
	if !ok {
		state = newState(id, spec, m.opts.Clock)
		m.jobs[id] = state
	}
	m.mu.Unlock()

	if err := spec.Validate(); err != nil {
		return m.finish(id, err), nil
	}
	if m.opts.Staging == nil {
		return nil, errors.New("staging area is required to run migrations")
	}

	unlock, err := m.opts.Staging.Lock(spec.VirtualMachine)
	if err != nil {
		m.mu.Lock()
		current := m.jobs[id].clone()
		m.mu.Unlock()
		if current.Status == StatusRunning {
			// a redelivered message while the first delivery is still running
			log.Warn("migration is already running, leaving its state alone", zap.Error(err))
			return current, fmt.Errorf("migration %s is already running: %w", id, err)
		}
		log.Warn("another migration holds the staging area for this machine", zap.Error(err))
		return m.finish(id, err), nil
	}
	defer unlock()

	m.update(id, func(s *State) {
		s.Status = StatusRunning
		s.Attempts++
		s.StartTime = m.opts.Clock.Now()
		s.EndTime = time.Time{}
		s.Error = ""
		s.Kind = ""
	})

	recorder := driver.MultiRecorder{
		driver.LogRecorder{},
		driver.RecorderFunc(func(rec driver.OperationRecord) {
			m.update(id, func(s *State) { s.Operations = append(s.Operations, rec) })
		}),
	}

	source, err := m.build(ctx, spec, migration.Source, recorder)
	if err != nil {
		return m.finish(id, err), nil
	}
	destination, err := m.build(ctx, spec, migration.Destination, recorder)
	if err != nil {
		return m.finish(id, err), nil
	}

	opts := []migration.Option{migration.WithObserver(&progress{manager: m, id: id})}
	if m.opts.FailurePolicy != nil {
		opts = append(opts, migration.WithFailurePolicy(m.opts.FailurePolicy))
	}
	orch := migration.New(spec.VirtualMachine, source, destination, opts...)

	log.Info("starting migration job")
	runErr := orch.Run(ctx)
	if runErr == nil {
		if in, ok := destination.(driver.Inspector); ok {
			m.update(id, func(s *State) { s.Image = in.ImageID() })
		}
	}
	final := m.finish(id, runErr)
	log.Info("migration job finished",
		zap.String("status", string(final.Status)),
		zap.String("kind", final.Kind))
	return final, nil
}

func (m *Manager) build(ctx context.Context, spec *migration.Spec, side migration.Side, rec driver.Recorder) (driver.Driver, error) {
	d, err := m.opts.Factory(ctx, driver.Params{
		VM:         spec.VirtualMachine,
		Account:    spec.Account(side),
		Staging:    m.opts.Staging,
		Short:      m.opts.Short,
		Long:       m.opts.Long,
		Clock:      m.opts.Clock,
		DiskTool:   m.opts.DiskTool,
		Runner:     m.opts.Runner,
		GcloudPath: m.opts.GcloudPath,
	})
	if err != nil {
		return nil, fmt.Errorf("%s driver: %w", side, err)
	}
	return driver.WithAudit(d, string(side), m.opts.Clock, rec), nil
}

// finish writes the terminal state for runErr
func (m *Manager) finish(id string, runErr error) *State {
	return m.update(id, func(s *State) {
		s.EndTime = m.opts.Clock.Now()
		if runErr == nil {
			s.Status = StatusCompleted
			return
		}
		s.Status = StatusFailed
		s.Kind = driver.KindOf(runErr)
		s.Error = runErr.Error()
	})
}

// update applies fn to the job and persists the result
func (m *Manager) update(id string, fn func(*State)) *State {
	m.mu.Lock()
	state, ok := m.jobs[id]
	if !ok {
		state = &State{ID: id}
		m.jobs[id] = state
	}
	fn(state)
	snapshot := state.clone()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := m.opts.Store.Save(ctx, snapshot); err != nil {
		logging.Logger().Error("failed to save migration state", zap.String("migration_id", id), zap.Error(err))
	}
	return snapshot
}

// progress mirrors orchestrator steps into the job state
type progress struct {
	manager *Manager
	id      string
}

func (p *progress) StepStarted(step migration.Step) {
	p.manager.update(p.id, func(s *State) {
		s.Step = step.String()
		s.StepIndex = step.Index
	})
}

func (p *progress) StepFinished(migration.Step, error) {}

const saveTimeout = 10 * time.Second
