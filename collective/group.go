// Package collective dispatches group-wide collectives (broadcast, reductions,
// gathers, scatters, all-to-all and barrier) onto a communication engine.
//
// Every call validates its buffers, works out whether a rank-ordered list of
// buffers already forms one contiguous region or has to be staged through a
// scratch buffer, submits to the engine under the runtime's lock and returns a
// Work that keeps the buffers alive until completion is observed.
package collective

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rocketbitz/collective-go/buffer"
	"github.com/rocketbitz/collective-go/engine"
)

// BackendName is the name this backend registers under.
const BackendName = "ccl"

const defaultTimeout = 30 * time.Second

var defaultScratchPool = buffer.NewScratchPool(4)

// Config controls New.
type Config struct {
	// Name scopes rendezvous keys; groups sharing a store need distinct names.
	Name string
	// Timeout bounds the rendezvous in New. Individual collectives are not
	// subject to it.
	Timeout          time.Duration
	ScratchPool      *buffer.ScratchPool
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Stats contains per-group operation counters.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
	Staged    uint64
}

type groupStats struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	staged    atomic.Uint64
}

// Group is a fixed set of ranks that issue collectives together.
type Group struct {
	cfg    Config
	rt     *Runtime
	comm   engine.Communicator
	rank   int
	size   int
	pool   *buffer.ScratchPool
	hooks  *hooks
	stats  groupStats
	closed atomic.Bool
}

// New creates a group on rt. rank and size are the caller's expectations and
// may be -1 to accept whatever the engine reports. When store is non-nil New
// blocks until every rank has joined or cfg.Timeout elapses.
func New(ctx context.Context, rt *Runtime, store Store, rank, size int, cfg Config) (*Group, error) {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ScratchPool == nil {
		cfg.ScratchPool = defaultScratchPool
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := rt.EnsureInitialized(); err != nil {
		return nil, err
	}
	engineRank, engineSize := rt.Rank(), rt.Size()
	if engineRank < 0 {
		return nil, ErrClosed
	}
	if rank != -1 && rank != engineRank {
		return nil, invalidf("unexpected rank %d, engine rank %d", rank, engineRank)
	}
	if size != -1 && size != engineSize {
		return nil, invalidf("unexpected size %d, engine size %d", size, engineSize)
	}

	comm, err := rt.createCommunicator()
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		return nil, wrapEngine("new_group", "create_communicator", err)
	}

	g := &Group{
		cfg:  cfg,
		rt:   rt,
		comm: comm,
		rank: engineRank,
		size: engineSize,
		pool: cfg.ScratchPool,
		hooks: &hooks{
			backend:          BackendName,
			group:            cfg.Name,
			rank:             engineRank,
			size:             engineSize,
			logger:           cfg.Logger,
			structuredLogger: cfg.StructuredLogger,
			tracer:           cfg.Tracer,
			metrics:          cfg.Metrics,
		},
	}

	if store != nil {
		if err := g.rendezvous(ctx, store); err != nil {
			_ = g.Close()
			return nil, err
		}
	}
	g.hooks.logEvent("group_created", logKV("timeout", cfg.Timeout))
	return g, nil
}

func (g *Group) rendezvous(ctx context.Context, store Store) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	if err := store.Set(ctx, g.rendezvousKey(g.rank), []byte(strconv.Itoa(g.size))); err != nil {
		return errors.Wrapf(err, "collective group %s: publish rank %d", g.cfg.Name, g.rank)
	}
	keys := make([]string, g.size)
	for r := range keys {
		keys[r] = g.rendezvousKey(r)
	}
	if err := store.Wait(ctx, keys...); err != nil {
		return errors.Wrapf(err, "collective group %s: waiting for %d ranks", g.cfg.Name, g.size)
	}
	return nil
}

func (g *Group) rendezvousKey(rank int) string {
	return fmt.Sprintf("%s/rank/%d", g.cfg.Name, rank)
}

// Close destroys the group's communicator under the engine lock.
func (g *Group) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := g.rt.withEngine(g.comm.Close)
	g.hooks.logEvent("group_closed")
	return wrapEngine("close", "close_communicator", err)
}

// Rank returns this process's rank within the group.
func (g *Group) Rank() int { return g.rank }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Name returns the group name.
func (g *Group) Name() string { return g.cfg.Name }

// BackendName returns the backend identifier.
func (g *Group) BackendName() string { return BackendName }

// Stats returns a snapshot of the group's counters.
func (g *Group) Stats() Stats {
	return Stats{
		Submitted: g.stats.submitted.Load(),
		Completed: g.stats.completed.Load(),
		Failed:    g.stats.failed.Load(),
		Rejected:  g.stats.rejected.Load(),
		Staged:    g.stats.staged.Load(),
	}
}

// submission is one collective ready to hand to the engine.
type submission struct {
	kind  Kind
	label string
	call  func(engine.Communicator) (engine.Request, error)
	// owned buffers stay referenced until completion.
	owned    []*buffer.Buffer
	releases []func()
	result   []*buffer.Buffer
	// copyOut, when set, forces a blocking wait after submission and then
	// moves the scratch result into the caller's buffers.
	copyOut func()
	// blocking waits for completion inside the engine critical section.
	blocking bool
	// packed is set when the inputs were copied into scratch before submission.
	packed bool
}

func (s *submission) release() {
	for _, release := range s.releases {
		release()
	}
	s.releases = nil
}

// issue submits sub under the engine lock and wraps the request in a Work.
func (g *Group) issue(sub *submission) (*Work, error) {
	op := sub.kind.String()
	if g.closed.Load() {
		sub.release()
		return nil, g.reject(sub.kind, ErrClosed)
	}

	span := g.hooks.startSpan(op, sub.label)
	if span != nil && sub.packed {
		span.AddEvent("staged", TraceAttribute{Key: labelDirection, Value: directionPack})
	}
	var req engine.Request
	err := g.rt.withEngine(func() error {
		var err error
		if req, err = sub.call(g.comm); err != nil {
			return err
		}
		if sub.blocking {
			return req.Wait()
		}
		return nil
	})
	if err != nil {
		sub.release()
		err = wrapEngine(op, "submit", err)
		g.stats.failed.Add(1)
		g.hooks.metricFailed(err, logKV(labelOperation, op))
		g.hooks.logEvent("complete_error", logKV(labelOperation, op), logKV("label", sub.label), logKV(labelStatus, statusError), logKV("error", err))
		if span != nil {
			span.End(err)
		}
		return nil, err
	}

	g.stats.submitted.Add(1)
	g.hooks.metricSubmitted(logKV(labelOperation, op))
	g.hooks.logEvent("submit", logKV(labelOperation, op), logKV("label", sub.label))

	if sub.blocking {
		return completedWork(g, sub, span, nil), nil
	}
	if sub.copyOut == nil {
		return newWork(g, sub, req, span), nil
	}

	// Non-flat outputs: wait here, outside the engine lock, then copy out.
	if err := req.Wait(); err != nil {
		err = wrapEngine(op, "wait", err)
		completedWork(g, sub, span, err)
		return nil, err
	}
	sub.copyOut()
	g.staged(sub.kind, directionUnpack)
	if span != nil {
		span.AddEvent("staged", TraceAttribute{Key: labelDirection, Value: directionUnpack})
	}
	g.hooks.logEvent("copy_out", logKV(labelOperation, op), logKV("label", sub.label))
	return completedWork(g, sub, span, nil), nil
}

// reject records a collective refused before reaching the engine.
func (g *Group) reject(kind Kind, err error) error {
	op := kind.String()
	err = withOp(op, err)
	reason := reasonValidation
	switch {
	case errors.Is(err, ErrUnsupported):
		reason = reasonUnsupported
	case errors.Is(err, ErrClosed):
		reason = reasonClosed
	case errors.Is(err, ErrEngine):
		reason = reasonEngine
	}
	g.stats.rejected.Add(1)
	g.hooks.metricRejected(reason, err, logKV(labelOperation, op))
	g.hooks.logEvent("rejected", logKV(labelOperation, op), logKV(labelReason, reason), logKV("error", err))
	return err
}

func (g *Group) staged(kind Kind, direction string, fields ...logField) {
	g.stats.staged.Add(1)
	g.hooks.metricStaged(direction, logKV(labelOperation, kind.String()))
	g.hooks.logEvent("staged", append([]logField{logKV(labelOperation, kind.String()), logKV(labelDirection, direction)}, fields...)...)
}

// completed is invoked once per Work when it reaches Completed.
func (g *Group) completed(kind Kind, label string, err error) {
	op := kind.String()
	if err != nil {
		g.stats.failed.Add(1)
		g.hooks.metricFailed(err, logKV(labelOperation, op))
		g.hooks.logEvent("complete_error", logKV(labelOperation, op), logKV("label", label), logKV(labelStatus, statusError), logKV("error", err))
		return
	}
	g.stats.completed.Add(1)
	g.hooks.metricCompleted(logKV(labelOperation, op))
	g.hooks.logEvent("complete", logKV(labelOperation, op), logKV("label", label), logKV(labelStatus, statusOK))
}
