package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regentlabs/regent/pkg/artifacts"
	"github.com/regentlabs/regent/pkg/databrain"
	"github.com/regentlabs/regent/pkg/fault"
	"github.com/regentlabs/regent/pkg/intent"
	"github.com/regentlabs/regent/pkg/metering"
	"github.com/regentlabs/regent/pkg/observability"
	"github.com/regentlabs/regent/pkg/policy"
	"github.com/regentlabs/regent/pkg/realm"
	"github.com/regentlabs/regent/pkg/retry"
	"github.com/regentlabs/regent/pkg/state"
	"github.com/regentlabs/regent/pkg/tenants"
	"github.com/regentlabs/regent/pkg/tiers"
	"github.com/regentlabs/regent/pkg/wal"
)

// Config bounds the manager's runtime behavior.
type Config struct {
	Workers           int
	QueueSize         int
	DispatchTimeout   time.Duration
	IdempotencyWindow time.Duration
	CacheTTL          time.Duration
	DefaultTier       tiers.TierID
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueSize:         64,
		DispatchTimeout:   30 * time.Second,
		IdempotencyWindow: 24 * time.Hour,
		CacheTTL:          5 * time.Minute,
		DefaultTier:       tiers.TierPro,
	}
}

// Deps are the manager's collaborators.
type Deps struct {
	Registry  *realm.Registry
	Log       wal.Log
	Committer Committer
	Surface   *state.Surface
	Policy    policy.Evaluator
	Artifacts *artifacts.Store
	Brain     databrain.Store
	Meter     metering.Meter
	Guard     *tenants.Guard
	// TierOf resolves a tenant's plan tier; nil falls back to the
	// configured default for every tenant.
	TierOf func(tenantID string) tiers.TierID
	Logger *slog.Logger
	// Obs records spans and RED metrics around executions; nil disables.
	Obs *observability.Provider
}

// Manager drives executions through the lifecycle. All state transitions go
// through it; handlers only see the execution context.
type Manager struct {
	cfg  Config
	deps Deps

	logger *slog.Logger
	clock  func() time.Time
	sleep  func(time.Duration)

	mu         sync.Mutex
	executions map[string]*Execution
	history    map[string][]Transition
	cancels    map[string]bool
	subs       map[string][]chan Transition
	active     map[string]int

	// idemLocks serializes the check-then-claim window per idempotency
	// key within this process; the cold-tier conditional put covers
	// processes sharing a durable backend.
	idemMu    sync.Mutex
	idemLocks map[string]*idemLock

	// queueMu serializes queue sends against Close; workers drain without it.
	queueMu sync.RWMutex
	closed  bool
	queue   chan *Execution
	wg      sync.WaitGroup
}

// NewManager creates a manager and starts its worker pool.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = DefaultConfig().IdempotencyWindow
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = DefaultConfig().DefaultTier
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "lifecycle")
	}

	m := &Manager{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		clock:      time.Now,
		sleep:      time.Sleep,
		executions: make(map[string]*Execution),
		history:    make(map[string][]Transition),
		cancels:    make(map[string]bool),
		subs:       make(map[string][]chan Transition),
		active:     make(map[string]int),
		idemLocks:  make(map[string]*idemLock),
		queue:      make(chan *Execution, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithSleep overrides the retry sleep for testing.
func (m *Manager) WithSleep(sleep func(time.Duration)) *Manager {
	m.sleep = sleep
	return m
}

// Close stops accepting work and waits for in-flight executions.
func (m *Manager) Close() {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.queueMu.Unlock()

	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for exec := range m.queue {
		m.run(context.Background(), exec)
	}
}

// Submit accepts an intent for asynchronous execution and returns the
// execution ID. A duplicate idempotency key within the window returns the
// prior execution's ID without re-executing.
func (m *Manager) Submit(ctx context.Context, it *intent.Intent) (string, error) {
	exec, prior, err := m.accept(ctx, it)
	if err != nil {
		return "", err
	}
	if prior != nil {
		return prior.ExecutionID, nil
	}

	m.queueMu.RLock()
	if m.closed {
		m.queueMu.RUnlock()
		m.retract(exec)
		return "", ErrShuttingDown
	}
	m.queue <- exec
	m.queueMu.RUnlock()
	return exec.ExecutionID, nil
}

// Execute runs an intent synchronously and returns the terminal record.
func (m *Manager) Execute(ctx context.Context, it *intent.Intent) (*Execution, error) {
	exec, prior, err := m.accept(ctx, it)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return prior, nil
	}
	m.run(ctx, exec)
	return m.Status(ctx, exec.ExecutionID, it.TenantID)
}

// accept validates the intent, applies the idempotency short-circuit and
// the tenant concurrency cap, and registers a new execution record.
func (m *Manager) accept(ctx context.Context, it *intent.Intent) (*Execution, *Execution, error) {
	if err := m.validate(it); err != nil {
		return nil, nil, err
	}

	if it.IdempotencyKey == "" {
		exec, err := m.admit(it)
		return exec, nil, err
	}

	// Hold the per-key lock across the lookup and the claim so two
	// submissions with the same key cannot both observe a miss.
	unlock := m.lockIdemKey(m.idemKey(it).String())
	defer unlock()

	prior, err := m.idempotencyCheck(ctx, it)
	if err != nil {
		return nil, nil, err
	}
	if prior != nil {
		return nil, prior, nil
	}

	exec, err := m.admit(it)
	if err != nil {
		return nil, nil, err
	}
	if err := m.idempotencyRecord(ctx, it, exec.ExecutionID); err != nil {
		m.retract(exec)
		if errors.Is(err, state.ErrAlreadyExists) {
			// Another process claimed the key after our lookup; its
			// execution is the one the caller gets.
			prior, perr := m.idempotencyCheck(ctx, it)
			if perr != nil {
				return nil, nil, perr
			}
			if prior != nil {
				return nil, prior, nil
			}
		}
		return nil, nil, fault.Wrap(fault.KindStorage, err, "idempotency claim failed")
	}
	return exec, nil, nil
}

// admit applies the tenant concurrency cap and registers the execution.
func (m *Manager) admit(it *intent.Intent) (*Execution, error) {
	limits := m.limits(it.TenantID)
	m.mu.Lock()
	if limits.ConcurrentExecutions >= 0 && m.active[it.TenantID] >= limits.ConcurrentExecutions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTenantBusy, it.TenantID)
	}
	m.active[it.TenantID]++

	exec := &Execution{
		ExecutionID: uuid.NewString(),
		Intent:      it,
		State:       StateAccepted,
		StartedAt:   m.clock().UTC(),
	}
	m.executions[exec.ExecutionID] = exec
	m.mu.Unlock()

	_ = m.deps.Guard.Register(it.TenantID, "execution:"+exec.ExecutionID)
	return exec, nil
}

// retract undoes an admission that lost its idempotency claim.
func (m *Manager) retract(exec *Execution) {
	m.mu.Lock()
	delete(m.executions, exec.ExecutionID)
	m.active[exec.Intent.TenantID]--
	m.mu.Unlock()
}

type idemLock struct {
	mu   sync.Mutex
	refs int
}

// lockIdemKey acquires the per-key mutex and returns its release func.
func (m *Manager) lockIdemKey(key string) func() {
	m.idemMu.Lock()
	l := m.idemLocks[key]
	if l == nil {
		l = &idemLock{}
		m.idemLocks[key] = l
	}
	l.refs++
	m.idemMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.idemMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.idemLocks, key)
		}
		m.idemMu.Unlock()
	}
}

func (m *Manager) validate(it *intent.Intent) error {
	if err := m.schemaValidate(it); err != nil {
		return fault.Wrap(fault.KindValidation, err, "intent rejected")
	}
	return nil
}

func (m *Manager) schemaValidate(it *intent.Intent) error {
	desc, derr := m.deps.Registry.Describe(it.Type)
	if derr == nil && desc.ParamSchema != nil {
		return intent.ValidateWithSchema(it, desc.ParamSchema)
	}
	return intent.Validate(it)
}

func (m *Manager) limits(tenantID string) tiers.Limits {
	id := m.cfg.DefaultTier
	if m.deps.TierOf != nil {
		if t := m.deps.TierOf(tenantID); t != "" {
			id = t
		}
	}
	tier := tiers.Get(id)
	if tier == nil {
		tier = tiers.Get(tiers.TierPro)
	}
	return tier.Limits
}

type idempotencyRecord struct {
	ExecutionID string    `json:"execution_id"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

func (m *Manager) idemKey(it *intent.Intent) state.Key {
	return state.Key{TenantID: it.TenantID, SessionID: it.SessionID, Name: "idem/" + it.IdempotencyKey}
}

// idempotencyCheck returns the prior execution when the key was already
// used for the same intent within the window. Reusing a key for a different
// intent is a validation failure. Stale records (window expired, or the
// recorded execution left no durable state) are cleared so the key can be
// claimed again.
func (m *Manager) idempotencyCheck(ctx context.Context, it *intent.Intent) (*Execution, error) {
	e, err := m.deps.Surface.Get(ctx, m.idemKey(it), state.TierCold)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			return nil, fault.Wrap(fault.KindStorage, err, "idempotency lookup failed")
		}
		return nil, nil
	}

	var rec idempotencyRecord
	if uerr := json.Unmarshal(e.Value, &rec); uerr != nil {
		return nil, fault.Wrap(fault.KindStorage, uerr, "corrupt idempotency record")
	}
	if m.clock().UTC().Sub(rec.CreatedAt) > m.cfg.IdempotencyWindow {
		return nil, m.clearIdemRecord(ctx, it)
	}

	fp, err := it.Fingerprint()
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "intent fingerprint")
	}
	if fp != rec.Fingerprint {
		return nil, fault.New(fault.KindValidation,
			"idempotency key %q was already used for a different intent", it.IdempotencyKey)
	}

	prior, serr := m.Status(ctx, rec.ExecutionID, it.TenantID)
	if serr != nil {
		if errors.Is(serr, ErrExecutionNotFound) {
			// The claim outlived its execution: neither live state nor a
			// durable terminal record exists, so the work never took
			// effect. Clear the claim and run again.
			return nil, m.clearIdemRecord(ctx, it)
		}
		return nil, serr
	}
	return prior, nil
}

func (m *Manager) clearIdemRecord(ctx context.Context, it *intent.Intent) error {
	err := m.deps.Surface.Delete(ctx, m.idemKey(it), state.TierCold)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return fault.Wrap(fault.KindStorage, err, "stale idempotency record")
	}
	return nil
}

func (m *Manager) idempotencyRecord(ctx context.Context, it *intent.Intent, executionID string) error {
	fp, err := it.Fingerprint()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(idempotencyRecord{
		ExecutionID: executionID,
		Fingerprint: fp,
		CreatedAt:   m.clock().UTC(),
	})
	if err != nil {
		return err
	}
	return m.deps.Surface.PutIfAbsent(ctx, state.Entry{
		Key:         m.idemKey(it),
		Value:       raw,
		ExecutionID: executionID,
	})
}

// Status returns a copy of the execution record, falling back to the
// durable terminal record in the cold tier when the execution is not in
// memory. Another tenant's execution is indistinguishable from a missing
// one.
func (m *Manager) Status(ctx context.Context, executionID, tenantID string) (*Execution, error) {
	if err := m.deps.Guard.Check(tenantID, "execution:"+executionID); err != nil {
		return nil, ErrExecutionNotFound
	}
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	if ok && exec.Intent.TenantID == tenantID {
		defer m.mu.Unlock()
		return exec.clone(), nil
	}
	m.mu.Unlock()
	if ok {
		return nil, ErrExecutionNotFound
	}
	return m.loadTerminal(ctx, executionID, tenantID)
}

// loadTerminal rehydrates an execution from its cold-tier terminal record,
// written by recordTerminal with the full artifact and transition detail.
func (m *Manager) loadTerminal(ctx context.Context, executionID, tenantID string) (*Execution, error) {
	entries, err := m.deps.Surface.ByExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, err, "execution record lookup failed")
	}
	for _, e := range entries {
		if e.Key.Name != "execution/"+executionID {
			continue
		}
		var exec Execution
		if uerr := json.Unmarshal(e.Value, &exec); uerr != nil {
			return nil, fault.Wrap(fault.KindStorage, uerr, "corrupt execution record")
		}
		if exec.Intent == nil || exec.Intent.TenantID != tenantID {
			return nil, ErrExecutionNotFound
		}
		return &exec, nil
	}
	return nil, ErrExecutionNotFound
}

// Subscribe streams one message per state transition, replaying transitions
// that already happened. The channel closes after the terminal state.
func (m *Manager) Subscribe(executionID string) (<-chan Transition, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, nil, ErrExecutionNotFound
	}

	ch := make(chan Transition, 32)
	for _, tr := range m.history[executionID] {
		ch <- tr
	}
	if exec.State.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	m.subs[executionID] = append(m.subs[executionID], ch)
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[executionID]
		for i, c := range subs {
			if c == ch {
				m.subs[executionID] = append(subs[:i], subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel, nil
}

// Cancel marks an execution for cancellation; the mark is observed at the
// next step boundary. Cancelling a terminal execution is a no-op.
func (m *Manager) Cancel(executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	if exec.State.Terminal() {
		return nil
	}
	m.cancels[executionID] = true
	return nil
}

func (m *Manager) cancelled(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[executionID]
}

// transition moves the execution to a new state and notifies subscribers.
func (m *Manager) transition(exec *Execution, to State) {
	m.mu.Lock()
	from := exec.State
	exec.State = to
	tr := Transition{ExecutionID: exec.ExecutionID, From: from, To: to, At: m.clock().UTC()}
	m.history[exec.ExecutionID] = append(m.history[exec.ExecutionID], tr)
	exec.Transitions = append(exec.Transitions, tr)
	subs := append([]chan Transition(nil), m.subs[exec.ExecutionID]...)
	if to.Terminal() {
		exec.FinishedAt = tr.At
		delete(m.subs, exec.ExecutionID)
		m.active[exec.Intent.TenantID]--
		delete(m.cancels, exec.ExecutionID)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
			// Slow subscriber; drop rather than stall the engine.
		}
		if to.Terminal() {
			close(ch)
		}
	}
}

// track opens the execution span and RED instruments; the returned func
// records duration and outcome. Nil Obs yields no-ops.
func (m *Manager) track(ctx context.Context, exec *Execution) (context.Context, func(error)) {
	if m.deps.Obs == nil {
		return ctx, func(error) {}
	}
	return m.deps.Obs.TrackExecution(ctx, "lifecycle.execute",
		observability.ExecutionAttrs(exec.Intent.TenantID, exec.ExecutionID, exec.Intent.Type)...)
}

// span opens a child span around one lifecycle step.
func (m *Manager) span(ctx context.Context, name string) (context.Context, func()) {
	if m.deps.Obs == nil {
		return ctx, func() {}
	}
	sctx, sp := m.deps.Obs.StartSpan(ctx, name)
	return sctx, func() { sp.End() }
}

// appendWAL appends with bounded storage retries.
func (m *Manager) appendWAL(ctx context.Context, rec wal.Record) error {
	return m.withStorageRetry("wal:"+string(rec.EventType)+":"+rec.ExecutionID, func() error {
		_, err := m.deps.Log.Append(ctx, rec)
		return err
	})
}

func (m *Manager) withStorageRetry(key string, op func() error) error {
	pol := retry.DefaultStoragePolicy
	var err error
	for attempt := 0; attempt < pol.MaxAttempts; attempt++ {
		if attempt > 0 {
			m.sleep(retry.Backoff(retry.Params{
				Component:    "lifecycle",
				Key:          key,
				AttemptIndex: attempt,
			}, pol))
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}

