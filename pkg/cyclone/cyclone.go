// Package cyclone is a client for the sandboxed function executor (spec
// §4.9): the pool itself (VM lifecycle, Firecracker microVMs) is out of
// scope (spec §1's "treated as external collaborators"); this package is
// the opaque client surface the core uses to acquire a worker, execute one
// request, and cancel it by execution id.
//
// Grounded on
// original_source/lib/si-pool-noodle/src/instance/cyclone/local_uds.rs for
// the acquire-spawn-watch-retire state machine (semantics only — no actual
// Unix socket or child process management; Spec is the hook through which
// a real implementation would plug that in). A gobreaker circuit breaker
// wraps Execute so a string of instance failures trips the breaker instead
// of queuing requests against a dead pool (spec §7's "Cyclone instance
// crashed" transient-error handling).
package cyclone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/infrastructure/metrics"
)

// heartbeatRetries and heartbeatInterval reproduce local_uds.rs's spawn
// watch-session retry window: up to 300 attempts, 64ms apart (spec §4.9).
// Declared as vars rather than consts so tests can shrink the window.
var (
	heartbeatRetries  = 300
	heartbeatInterval = 64 * time.Millisecond
)

// ErrWatchTimeout is returned when a spawned Instance's watch session never
// produces its first heartbeat within the retry window.
var ErrWatchTimeout = fmt.Errorf("cyclone: timeout waiting for instance watch heartbeat")

// ErrInstanceDead is returned when an Instance's watch channel has already
// closed — spec §4.9: "closure means instance is dead, do not reuse".
var ErrInstanceDead = fmt.Errorf("cyclone: instance is dead")

// Request is an opaque function-execution request; Payload is whatever the
// sandboxed runtime expects (a function prototype id, arguments, execution
// context) — the core never interprets it.
type Request struct {
	ExecutionID string
	Payload     []byte
}

// Result is the reply to one Execute call.
type Result struct {
	ExecutionID string
	Payload     []byte
	Err         error // function-level failure (spec §7): the AV is marked failed, the commit proceeds
}

// Instance is one sandboxed worker. Execute runs exactly one request;
// Watch reports the instance's liveness channel — its closure means the
// instance must not be reused (spec §4.9).
type Instance interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Watch() <-chan struct{}
	Kill(executionID string)
}

// Spec is the pool's sub-specification (spec §4.9): idempotent one-time
// host setup, per-instance slot reservation, and instance spawning.
type Spec interface {
	Setup(ctx context.Context) error
	Prepare(ctx context.Context, id uint32) error
	Clean(ctx context.Context, id uint32) error
	Spawn(ctx context.Context, id uint32) (Instance, error)
}

// Config tunes the pool's health window and per-instance request limit.
type Config struct {
	LimitRequests  uint32        // instance retired as unhealthy after this many executions; 0 = unlimited
	ExecuteTimeout time.Duration // default per-request budget (spec §5)
	NumSlots       uint32
}

// DefaultConfig matches local_uds.rs's conservative defaults: one
// execution per instance, 5 minute execution budget.
func DefaultConfig() Config {
	return Config{LimitRequests: 1, ExecuteTimeout: 5 * time.Minute, NumSlots: 4}
}

type slot struct {
	instance      Instance
	used          uint32
	limitRequests uint32
}

// Pool acquires sandboxed exec workers, executes a request, and supports
// cancellation-by-id (spec §4.9).
type Pool struct {
	spec       Spec
	config     Config
	mu         sync.Mutex
	setupOnce  sync.Once
	setupErr   error
	freeSlots  []uint32
	breaker    *gobreaker.CircuitBreaker
	killTokens map[string]context.CancelFunc
}

// New builds a Pool over spec with config. Host setup is deferred to the
// first Execute call (spec §4.9: "idempotently prepares host-side
// prerequisites once per process").
func New(spec Spec, config Config) *Pool {
	free := make([]uint32, config.NumSlots)
	for i := range free {
		free[i] = uint32(i)
	}
	p := &Pool{
		spec:       spec,
		config:     config,
		freeSlots:  free,
		killTokens: make(map[string]context.CancelFunc),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "cyclone",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.RecordCycloneCircuitOpen()
			}
		},
	})
	return p
}

// Execute acquires an instance, runs req against it, and releases the slot
// (retiring the instance if it has hit LimitRequests or died). execID
// defaults to a fresh uuid if req.ExecutionID is empty.
func (p *Pool) Execute(ctx context.Context, req Request) (Result, error) {
	p.setupOnce.Do(func() { p.setupErr = p.spec.Setup(ctx) })
	if p.setupErr != nil {
		return Result{}, sgerrors.Wrapf(p.setupErr, "cyclone pool setup")
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}

	execCtx, cancel := context.WithCancel(ctx)
	if p.config.ExecuteTimeout > 0 {
		var timeoutCancel context.CancelFunc
		execCtx, timeoutCancel = context.WithTimeout(execCtx, p.config.ExecuteTimeout)
		defer timeoutCancel()
	}
	p.mu.Lock()
	p.killTokens[req.ExecutionID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.killTokens, req.ExecutionID)
		p.mu.Unlock()
		cancel()
	}()

	out, err := p.breaker.Execute(func() (interface{}, error) {
		id, s, err := p.acquire(execCtx)
		if err != nil {
			return Result{}, err
		}
		res, execErr := s.instance.Execute(execCtx, req)
		p.release(execCtx, id, s, execErr)
		if execErr != nil {
			return Result{}, execErr
		}
		return res, nil
	})

	if err != nil {
		metrics.RecordCycloneExecution("error")
		if res, ok := out.(Result); ok {
			return res, err
		}
		return Result{}, err
	}
	metrics.RecordCycloneExecution("success")
	return out.(Result), nil
}

// Kill cancels the in-flight execution identified by executionID, if any
// (spec §6's veritech.kill subject; spec §5's "separate kill subject keyed
// by execution id").
func (p *Pool) Kill(executionID string) {
	p.mu.Lock()
	cancel, ok := p.killTokens[executionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool) acquire(ctx context.Context) (uint32, *slot, error) {
	p.mu.Lock()
	if len(p.freeSlots) == 0 {
		p.mu.Unlock()
		return 0, nil, sgerrors.TimeoutError("a free cyclone slot", "0s (pool exhausted)")
	}
	id := p.freeSlots[len(p.freeSlots)-1]
	p.freeSlots = p.freeSlots[:len(p.freeSlots)-1]
	p.mu.Unlock()

	if err := p.spec.Prepare(ctx, id); err != nil {
		p.releaseSlotOnly(id)
		return 0, nil, sgerrors.Wrapf(err, "prepare cyclone slot %d", id)
	}

	instance, err := p.spawnWithHeartbeat(ctx, id)
	if err != nil {
		_ = p.spec.Clean(ctx, id)
		p.releaseSlotOnly(id)
		return 0, nil, err
	}
	return id, &slot{instance: instance, limitRequests: p.config.LimitRequests}, nil
}

// spawnWithHeartbeat spawns an instance and waits for its first watch
// heartbeat within the bounded retry window (spec §4.9: "default 300 × 64
// ms").
func (p *Pool) spawnWithHeartbeat(ctx context.Context, id uint32) (Instance, error) {
	instance, err := p.spec.Spawn(ctx, id)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "spawn cyclone instance %d", id)
	}
	watch := instance.Watch()
	for attempt := 0; attempt < heartbeatRetries; attempt++ {
		select {
		case _, ok := <-watch:
			if !ok {
				return nil, ErrInstanceDead
			}
			return instance, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(heartbeatInterval):
		}
	}
	return nil, ErrWatchTimeout
}

func (p *Pool) release(ctx context.Context, id uint32, s *slot, execErr error) {
	s.used++
	retire := false
	if s.limitRequests > 0 && s.used >= s.limitRequests {
		retire = true
	}
	select {
	case _, ok := <-s.instance.Watch():
		if !ok {
			retire = true
		}
	default:
	}
	if retire {
		_ = p.spec.Clean(ctx, id)
	}
	p.releaseSlotOnly(id)
}

func (p *Pool) releaseSlotOnly(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeSlots = append(p.freeSlots, id)
}
