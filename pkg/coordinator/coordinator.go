package coordinator

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Operation is a unit of work submitted to the coordinator. The coordinator
// never inspects its result.
type Operation func(ctx context.Context) (any, error)

// State is the lifecycle position of a coordinated entry.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	Pending int
	Running int
	// Keys holds every pending or running key, sorted.
	Keys []string
}

type entry struct {
	id       string
	key      string
	priority int
	seq      uint64
	op       Operation
	future   *Future
	state    State
	index    int
}

// Coordinator deduplicates, prioritizes and bounds concurrent operations
// identified by caller-chosen keys.
type Coordinator struct {
	baseCtx     context.Context
	concurrency int
	logger      logr.Logger
	metrics     *metrics

	mu      sync.Mutex
	seq     uint64
	live    map[string]*entry
	ready   readyQueue
	running int
}

// New creates a coordinator. Without WithConcurrency it runs every entry as
// soon as it is added.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		baseCtx: context.Background(),
		logger:  logr.Discard(),
		metrics: newMetrics(),
		live:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterMetrics registers the coordinator's collectors with reg.
func (c *Coordinator) RegisterMetrics(reg prometheus.Registerer) error {
	if err := c.metrics.register(reg); err != nil {
		return fmt.Errorf("failed to register coordinator metrics: %w", err)
	}
	return nil
}

// Add submits op under key. While an entry with the same key is pending or
// running, Add returns that entry's future and op is never invoked.
func (c *Coordinator) Add(key string, op Operation, priority int) *Future {
	if key == "" {
		return failedFuture(key, ErrInvalidKey)
	}
	if op == nil {
		return failedFuture(key, ErrNilOperation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.live[key]; ok {
		c.metrics.deduplicated.Inc()
		c.logger.V(1).Info("Attached to outstanding request",
			"key", key,
			"id", existing.id,
			"state", existing.state.String())
		return existing.future
	}

	c.seq++
	e := &entry{
		id:       uuid.NewString(),
		key:      key,
		priority: priority,
		seq:      c.seq,
		op:       op,
		future:   newFuture(key),
		state:    StatePending,
	}
	c.live[key] = e
	heap.Push(&c.ready, e)
	c.metrics.pending.Inc()

	c.logger.V(1).Info("Queued request", "key", key, "id", e.id, "priority", priority)

	c.schedule()
	return e.future
}

// Do adds fn under key and waits for its shared result.
func Do[T any](ctx context.Context, c *Coordinator, key string, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilOperation
	}

	f := c.Add(key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, priority)

	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q produced %T", ErrUnexpectedResult, key, v)
	}
	return typed, nil
}

// Status returns a snapshot of pending and running entries.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.live))
	for key := range c.live {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return Status{
		Pending: c.ready.Len(),
		Running: c.running,
		Keys:    keys,
	}
}

// Clear cancels every entry that has not started yet. Running operations are
// not interrupted; they settle normally and then leave the live set. It
// returns the number of cancelled entries.
func (c *Coordinator) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cancelled := c.ready.Len()
	for _, e := range c.ready {
		e.index = -1
		e.state = StateFailed
		delete(c.live, e.key)
		e.future.resolve(nil, ErrCancelledByClear)
		c.metrics.settled.WithLabelValues(resultCancelled).Inc()
	}
	c.ready = nil
	c.metrics.pending.Set(0)

	if cancelled > 0 {
		c.logger.Info("Cleared pending requests", "cancelled", cancelled, "running", c.running)
	}
	return cancelled
}

// schedule starts ready entries while the concurrency budget allows. Callers
// must hold c.mu.
func (c *Coordinator) schedule() {
	for c.ready.Len() > 0 && (c.concurrency == 0 || c.running < c.concurrency) {
		e := heap.Pop(&c.ready).(*entry)
		e.state = StateRunning
		c.running++
		c.metrics.pending.Dec()
		c.metrics.running.Inc()

		go c.run(e)
	}
}

func (c *Coordinator) run(e *entry) {
	value, err := c.invoke(e)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.running--
	c.metrics.running.Dec()
	if current, ok := c.live[e.key]; ok && current == e {
		delete(c.live, e.key)
	}

	if err != nil {
		e.state = StateFailed
		c.metrics.settled.WithLabelValues(resultFailure).Inc()
		c.logger.V(1).Info("Request failed", "key", e.key, "id", e.id, "error", err.Error())
	} else {
		e.state = StateSucceeded
		c.metrics.settled.WithLabelValues(resultSuccess).Inc()
		c.logger.V(1).Info("Request succeeded", "key", e.key, "id", e.id)
	}
	e.future.resolve(value, err)
	e.op = nil

	c.schedule()
}

func (c *Coordinator) invoke(e *entry) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(errors.New("operation panicked"), "Recovered from panic in request",
				"key", e.key,
				"id", e.id,
				"panic", r,
				"stack", string(debug.Stack()))
			value = nil
			err = &OperationPanicError{Key: e.key, Value: r}
		}
	}()
	return e.op(c.baseCtx)
}
