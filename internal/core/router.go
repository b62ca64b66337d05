package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

var errRouterRunning = errors.New("router already running")

type delivery struct {
	handle domain.ActivityContextHandle
	event  pluginapi.Event
}

type shard struct {
	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
}

func (s *shard) push(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *shard) pop() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, true
}

// Router delivers fired events to attached entities. Events for one
// activity context always land on the same shard, so their delivery is FIFO.
type Router struct {
	c        *Container
	shards   []*shard
	retries  uint64
	interval time.Duration
	pending  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func newRouter(c *Container, shards int, retries uint64, interval time.Duration) *Router {
	if shards < 1 {
		shards = 1
	}
	r := &Router{c: c, retries: retries, interval: interval}
	for i := 0; i < shards; i++ {
		r.shards = append(r.shards, &shard{signal: make(chan struct{}, 1)})
	}
	return r
}

func (r *Router) shardFor(h domain.ActivityContextHandle) *shard {
	return r.shards[xxhash.Sum64String(h.String())%uint64(len(r.shards))]
}

func (r *Router) enqueue(h domain.ActivityContextHandle, ev pluginapi.Event) {
	r.pending.Add(1)
	r.shardFor(h).push(delivery{handle: h, event: ev})
}

// Pending returns the number of queued or in-flight events.
func (r *Router) Pending() int64 { return r.pending.Load() }

// Start launches one worker per shard.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errRouterRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	for _, s := range r.shards {
		group.Go(func() error {
			r.work(gctx, s)
			return nil
		})
	}
	r.cancel = cancel
	r.group = group
	return nil
}

// Stop cancels the workers and waits for them. Queued events stay queued.
func (r *Router) Stop() error {
	r.mu.Lock()
	cancel, group := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}

// Drain blocks until no event is queued or in flight.
func (r *Router) Drain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for r.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (r *Router) work(ctx context.Context, s *shard) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			d, ok := s.pop()
			if !ok {
				break
			}
			r.process(ctx, d)
			r.pending.Add(-1)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
	}
}

func (r *Router) process(ctx context.Context, d delivery) {
	_ = r.c.obs.run(ctx, "route", func(ctx context.Context) error {
		if d.event.Type == pluginapi.EventActivityEnd {
			r.processEnd(ctx, d.handle, d.event)
			return nil
		}
		r.routeInitial(ctx, d.handle, d.event)
		rec, ok := r.c.store.GetActivityContext(d.handle)
		if !ok {
			return nil
		}
		for _, id := range rec.Attachments {
			if err := r.deliver(ctx, d.handle, id, d.event, false); err != nil {
				r.c.obs.logger.Warn("event delivery failed", "activity", d.handle.String(), "entity", id, "event", d.event.Type, "error", err)
			}
		}
		return nil
	})
}

// routeInitial creates and attaches root entities for services whose root
// component declares ev initial.
func (r *Router) routeInitial(ctx context.Context, h domain.ActivityContextHandle, ev pluginapi.Event) {
	for _, desc := range r.c.ServiceDescriptors() {
		comp, ok := r.c.components.lookup(desc.RootComponent)
		if !ok || !comp.IsInitial(ev.Type) {
			continue
		}
		if ev.Type == pluginapi.EventServiceStarted && h != domain.ServiceActivityHandle(desc.ID) {
			continue
		}
		svc, err := NewService(ctx, &desc, false, r.c.ServiceDeps())
		if err != nil {
			continue
		}
		err = r.retry(ctx, func(ctx context.Context, tx domain.Transaction) error {
			if svc.State(ctx) != domain.ServiceActive {
				return nil
			}
			ac, err := r.c.activities.Get(ctx, h, false)
			if err != nil || ac == nil || ac.Ended(ctx) {
				return err
			}
			name := h.String()
			if comp.ConvergenceName != nil {
				name = comp.ConvergenceName(h, ev)
			}
			if name == "" {
				return nil
			}
			rootID, ok := svc.RootEntityID(ctx, name)
			if !ok {
				root, err := svc.AddChild(ctx, name)
				if err != nil {
					return err
				}
				rootID = root.ID()
			}
			return ac.Attach(ctx, rootID)
		})
		if err != nil {
			r.c.obs.logger.Warn("initial event routing failed", "service", desc.ID.String(), "activity", h.String(), "event", ev.Type, "error", err)
		}
	}
}

// deliver hands ev to one entity in its own transaction. With end set the
// entity is detached in the same transaction.
func (r *Router) deliver(ctx context.Context, h domain.ActivityContextHandle, id string, ev pluginapi.Event, end bool) error {
	start := r.c.obs.clock.Now()
	err := r.retry(ctx, func(ctx context.Context, tx domain.Transaction) error {
		rec, ok := tx.FindEntity(id)
		if !ok {
			return nil
		}
		if !end && !rec.AttachedTo(h) {
			return nil
		}
		if err := r.c.factory.Invoke(ctx, id, func(ctx context.Context, comp pluginapi.Component) error {
			return comp.HandleEvent(ctx, ev)
		}); err != nil {
			return err
		}
		if end {
			return detach(tx, h, id)
		}
		return nil
	})
	r.c.obs.metrics.Observe(ctx, "deliver", err == nil, r.c.obs.clock.Now().Sub(start))
	return err
}

// processEnd delivers the end event, detaches every entity, deletes the
// context and removes the trees it leaves without attachments.
func (r *Router) processEnd(ctx context.Context, h domain.ActivityContextHandle, ev pluginapi.Event) {
	defer r.c.checkDrained(ctx)
	rec, ok := r.c.store.GetActivityContext(h)
	if !ok || !rec.Ended {
		// A live record under h was created after the context that ended.
		return
	}
	var roots []string
	seen := make(map[string]bool)
	_ = r.c.store.View(ctx, func(view domain.TransactionView) error {
		for _, id := range rec.Attachments {
			if root, ok := rootOf(view, id); ok && !seen[root] {
				seen[root] = true
				roots = append(roots, root)
			}
		}
		return nil
	})
	for _, id := range rec.Attachments {
		if err := r.deliver(ctx, h, id, ev, true); err != nil {
			r.c.obs.logger.Warn("end event delivery failed, detaching", "activity", h.String(), "entity", id, "error", err)
			if err := r.retry(ctx, func(ctx context.Context, tx domain.Transaction) error {
				return detach(tx, h, id)
			}); err != nil {
				r.c.obs.logger.Error("forced detach failed", "activity", h.String(), "entity", id, "error", err)
			}
		}
	}
	ac := &ActivityContext{handle: h, factory: r.c.activities}
	if err := r.retry(ctx, func(ctx context.Context, tx domain.Transaction) error {
		return ac.forceRemove(tx)
	}); err != nil {
		r.c.obs.logger.Error("activity context removal failed", "activity", h.String(), "error", err)
		return
	}
	r.c.obs.logger.Debug("activity context ended", "activity", h.String(), "roots", len(roots))
	for _, root := range roots {
		err := r.retry(ctx, func(ctx context.Context, tx domain.Transaction) error {
			ent, ok := tx.FindEntity(root)
			if !ok || ent.Kind == domain.EntityKindProfile {
				return nil
			}
			if h.Kind != domain.ActivityKindService && treeAttachments(tx, root) > 0 {
				return nil
			}
			return r.c.factory.Remove(ctx, root)
		})
		if err != nil {
			r.c.obs.logger.Error("entity tree removal failed", "activity", h.String(), "entity", root, "error", err)
		}
	}
}

// retry runs fn in a transaction, retrying only persistence failures.
func (r *Router) retry(ctx context.Context, fn func(ctx context.Context, tx domain.Transaction) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.interval
	op := func() error {
		_, err := r.c.store.RunInTransaction(ctx, fn)
		if err == nil || errors.Is(err, domain.ErrPersistence) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, r.retries), ctx))
}
