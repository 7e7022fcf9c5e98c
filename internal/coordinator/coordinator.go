package coordinator

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/livequery/internal/livequery"
	"github.com/zoravur/livequery/internal/storage"
)

// maxConcurrentDispatch bounds how many LiveQueries are driven through a
// RUN/HANDOVER/DELIVER cycle at once per commit. Unbounded fan-out would
// let a single large commit open one snapshot transaction per registered
// query simultaneously; this caps that to a fixed worker count, the same
// concern the teacher's per-match `go func(qid string){...}` dispatch in
// internal/wal/consumer.go left unbounded (acceptable there only because
// that prototype never ran against more than a handful of queries).
const maxConcurrentDispatch = 8

// Coordinator fans a commit's ChangeSummary out to every registered
// LiveQuery, and answers each LiveQuery's RequestCommitNotification calls
// by forcing a catch-up run for just that one entry. Grounded on the
// teacher's internal/wal/consumer.go dispatch loop (Consumer.OnMessage's
// Reg.ForEach + per-match goroutine), generalized from string-table
// matching to the full ChangeSummary/TableRef model internal/livequery
// expects, and bounded via golang.org/x/sync/errgroup (already present
// transitively through testcontainers-go; promoted to a direct dependency
// here) instead of the teacher's unbounded per-match goroutine.
type Coordinator struct {
	reg *Registry
	log *zap.Logger
}

// New returns a Coordinator dispatching against reg. log may be nil, in
// which case zap.L() (the global logger) is used, matching the teacher's
// cmd/main.go convention of relying on zap.L() rather than threading a
// *zap.Logger through every constructor.
func New(reg *Registry, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.L()
	}
	return &Coordinator{reg: reg, log: log}
}

// entryNotifier adapts one Registry Entry's id into the livequery.Coordinator
// interface a LiveQuery is constructed with, so RequestCommitNotification
// can route back to exactly the entry that called it rather than the
// coordinator as a whole.
type entryNotifier struct {
	id string
	c  *Coordinator
}

func (n entryNotifier) RequestCommitNotification() {
	n.c.wake(n.id)
}

// NotifierFor returns the livequery.Coordinator to pass to livequery.New
// for the entry that will be registered under id.
func (c *Coordinator) NotifierFor(id string) livequery.Coordinator {
	return entryNotifier{id: id, c: c}
}

// wake forces a single entry to catch up outside the normal per-commit
// cycle — used when a LiveQuery gains its first observer after being idle
// (spec.md §4.1) and may have missed updates while nobody was watching.
func (c *Coordinator) wake(id string) {
	e, ok := c.reg.Get(id)
	if !ok {
		return
	}
	go c.runForced(context.Background(), e)
}

func (c *Coordinator) runForced(ctx context.Context, e *Entry) {
	snap, err := e.NewSnapshot()
	if err != nil {
		c.log.Error("coordinator: wake snapshot failed", zap.String("id", e.ID), zap.Error(err))
		return
	}
	defer snap.Close()
	if err := e.LQ.Attach(snap); err != nil {
		c.log.Error("coordinator: wake attach failed", zap.String("id", e.ID), zap.Error(err))
		return
	}
	_ = e.LQ.ForceRun(ctx)
	c.finishCycle(e, snap)
}

// Dispatch drives a RUN/HANDOVER/DELIVER cycle for every registered entry
// against this commit's changes, bounded to maxConcurrentDispatch
// concurrent entries. It does not filter by TableOrdinal before
// dispatching: a LiveQuery may depend on a table other than its own
// through a link path, so only Run's own coarse pre-check
// (commitMightAffectResults) is cheap and precise enough to skip work —
// filtering at the registry level on table ordinal alone would risk false
// negatives on indirect dependencies.
func (c *Coordinator) Dispatch(ctx context.Context, changes storage.ChangeSummary) error {
	entries := c.reg.Snapshot()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatch)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			c.dispatchOne(ctx, e, changes)
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) dispatchOne(ctx context.Context, e *Entry, changes storage.ChangeSummary) {
	snap, err := e.NewSnapshot()
	if err != nil {
		c.log.Error("coordinator: dispatch snapshot failed", zap.String("id", e.ID), zap.Error(err))
		return
	}
	defer snap.Close()
	if err := e.LQ.Attach(snap); err != nil {
		c.log.Error("coordinator: dispatch attach failed", zap.String("id", e.ID), zap.Error(err))
		return
	}
	_ = e.LQ.Run(ctx, changes)
	c.finishCycle(e, snap)
}

// finishCycle runs PrepareHandover, Detach, Deliver, and (if there is
// anything for an observer to see) CallCallbacks, against the same
// snapshot dispatchOne/runForced just ran with.
func (c *Coordinator) finishCycle(e *Entry, snap storage.Snapshot) {
	if err := e.LQ.PrepareHandover(snap); err != nil {
		c.log.Error("coordinator: prepare handover failed", zap.String("id", e.ID), zap.Error(err))
	}
	if err := e.LQ.Detach(snap); err != nil {
		c.log.Error("coordinator: detach failed", zap.String("id", e.ID), zap.Error(err))
	}
	if e.LQ.Deliver(e.Owner, snap, nil) {
		e.LQ.CallCallbacks()
	}
}
