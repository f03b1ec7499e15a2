package sync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

const maxResubscribeInterval = 30 * time.Second

// View is one open conversation. A single goroutine owns the merged list,
// the remote snapshot and the dedup sets; everything else posts closures to
// it. Network I/O never runs on that goroutine.
type View struct {
	e      *Engine
	id     string
	logger *zap.Logger

	ops    chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop goroutine.
	messages []model.Message
	stream   <-chan remote.Batch
	snapshot map[string]model.Message
	// seeded is set once the first remote page arrived; until then nothing is dropped.
	seeded bool
	// oldest is the start of the remote window; complete means nothing exists before it.
	oldest   time.Time
	complete bool
	// awaitingEcho holds acknowledged writes the stream has not delivered yet.
	awaitingEcho map[string]struct{}
	inflight     map[string]struct{}
	notes        *notifier
}

func newView(ctx context.Context, e *Engine, conversationID string) *View {
	vctx, cancel := context.WithCancel(e.ctx)
	v := &View{
		e:            e,
		id:           conversationID,
		logger:       e.logger.With(zap.String("conversation", conversationID)),
		ops:          make(chan func()),
		done:         make(chan struct{}),
		ctx:          vctx,
		cancel:       cancel,
		snapshot:     make(map[string]model.Message),
		awaitingEcho: make(map[string]struct{}),
		inflight:     make(map[string]struct{}),
	}
	v.load(ctx)
	v.notes = newNotifier(ctx, e, conversationID)
	go v.run()
	go v.subscribe()
	return v
}

// ID returns the conversation ID.
func (v *View) ID() string { return v.id }

// load reads the cached messages. Nothing can be in flight in a new view, so
// Sending is demoted to Staged.
func (v *View) load(ctx context.Context) {
	cached, err := v.e.cache.Messages(ctx, v.id)
	if err != nil {
		v.e.health.Fail("load messages", err)
		return
	}
	for i := range cached {
		if cached[i].Status == model.Sending {
			cached[i].Status = model.Staged
			v.persist(cached[i])
		}
	}
	model.SortMessages(cached)
	v.messages = cached
}

func (v *View) run() {
	defer close(v.done)
	for {
		select {
		case <-v.ctx.Done():
			return
		case op := <-v.ops:
			op()
		case b, ok := <-v.stream:
			if !ok {
				v.stream = nil
				if v.ctx.Err() == nil {
					v.logger.Warn("realtime stream ended, resubscribing")
					go v.subscribe()
				}
				continue
			}
			v.apply(b)
		}
	}
}

// subscribe opens the realtime stream, retrying with backoff until it
// succeeds or the view closes.
func (v *View) subscribe() {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxResubscribeInterval
	b.MaxElapsedTime = 0

	var stream <-chan remote.Batch
	op := func() error {
		s, err := v.e.remote.Watch(v.ctx, v.id, v.e.opts.PageSize)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		v.logger.Debug("subscribe failed", zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, v.ctx), notify); err != nil {
		return
	}
	_ = v.do(func() { v.stream = stream })
}

// do posts fn to the loop without waiting for it to run.
func (v *View) do(fn func()) error {
	select {
	case v.ops <- fn:
		return nil
	case <-v.done:
		return model.ErrViewClosed
	}
}

// call runs fn on the loop and waits for it.
func (v *View) call(fn func()) error {
	finished := make(chan struct{})
	if err := v.do(func() { fn(); close(finished) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-v.done:
		return model.ErrViewClosed
	}
}

func (v *View) close() {
	v.cancel()
	<-v.done
}

// Done is closed once the view has been torn down.
func (v *View) Done() <-chan struct{} { return v.done }

// Messages returns a copy of the merged list.
func (v *View) Messages() ([]model.Message, error) {
	var out []model.Message
	err := v.call(func() { out = cloneAll(v.messages) })
	return out, err
}

// apply folds one realtime batch into the snapshot and re-merges.
func (v *View) apply(b remote.Batch) {
	if b.Initial {
		v.resetWindow(b)
	}
	var added []model.Message
	for _, c := range b.Changes {
		switch c.Kind {
		case remote.Added, remote.Modified:
			v.snapshot[c.Message.ID] = c.Message
			if c.Kind == remote.Added || b.Initial {
				added = append(added, c.Message)
			}
		case remote.Removed:
			delete(v.snapshot, c.Message.ID)
		}
	}
	v.seeded = true
	v.reconcile()
	v.notes.observe(v.ctx, b.Initial, added)
	v.e.metrics.Merged()
}

// resetWindow prepares the snapshot for an initial page. On a resubscribe
// the page replaces whatever the snapshot held in its time range.
func (v *View) resetWindow(b remote.Batch) {
	full := len(b.Changes) >= v.e.opts.PageSize
	var pageOldest time.Time
	for _, c := range b.Changes {
		if pageOldest.IsZero() || c.Message.CreatedAt.Before(pageOldest) {
			pageOldest = c.Message.CreatedAt
		}
	}
	for id, m := range v.snapshot {
		if !full || !m.CreatedAt.Before(pageOldest) {
			delete(v.snapshot, id)
		}
	}
	switch {
	case !full:
		v.oldest, v.complete = time.Time{}, true
	case !v.seeded || len(v.snapshot) == 0:
		v.oldest, v.complete = pageOldest, false
	}
}

// reconcile merges the local list with the snapshot, keeps acknowledged
// writes that have not echoed yet and mirrors the result to the cache.
func (v *View) reconcile() {
	if !v.seeded {
		v.publish()
		return
	}
	var inWindow, before []model.Message
	for _, m := range v.messages {
		if !v.complete && !m.Status.LocallyOwned() && m.CreatedAt.Before(v.oldest) {
			before = append(before, m)
			continue
		}
		inWindow = append(inWindow, m)
	}

	snap := make([]model.Message, 0, len(v.snapshot))
	for _, m := range v.snapshot {
		snap = append(snap, m)
	}
	merged := append(Merge(inWindow, snap), before...)

	for id := range v.awaitingEcho {
		if _, echoed := v.snapshot[id]; echoed {
			delete(v.awaitingEcho, id)
			continue
		}
		if i := indexOf(v.messages, id); i >= 0 && indexOf(merged, id) < 0 {
			merged = append(merged, v.messages[i])
		}
	}
	model.SortMessages(merged)
	v.mirror(v.messages, merged)
	v.messages = merged
	v.publish()
}

// mirror writes adopted remote copies and deletes dropped messages.
func (v *View) mirror(prev, next []model.Message) {
	old := make(map[string]model.Message, len(prev))
	for _, m := range prev {
		old[m.ID] = m
	}
	for _, m := range next {
		if o, ok := old[m.ID]; ok && sameContent(o, m) {
			delete(old, m.ID)
			continue
		}
		delete(old, m.ID)
		if !m.Status.LocallyOwned() {
			v.persist(m)
		}
	}
	for id := range old {
		if err := v.e.cache.DeleteMessage(v.ctx, id); err != nil {
			v.e.health.Fail("delete message", err)
		}
	}
}

func (v *View) persist(m model.Message) {
	if err := v.e.cache.SaveMessage(v.e.ctx, m); err != nil {
		v.e.health.Fail("save message", err)
		return
	}
	v.e.health.OK()
}

func (v *View) publish() {
	v.e.emit(bus.MessageChanged, Changed{ConversationID: v.id, Messages: cloneAll(v.messages)})
}

// setStatus moves a message to status to, persists it and announces the move.
// Must run on the loop.
func (v *View) setStatus(id string, to model.Status) bool {
	i := indexOf(v.messages, id)
	if i < 0 {
		return false
	}
	m := &v.messages[i]
	from := m.Status
	if !from.CanTransition(to) {
		v.logger.Error("invalid status transition",
			zap.String("message", id), zap.String("from", string(from)), zap.String("to", string(to)))
		return false
	}
	m.Status = to
	v.persist(*m)
	if from != to {
		v.e.emit(bus.MessageStatus, model.StatusChange{ConversationID: v.id, MessageID: id, From: from, To: to})
	}
	return true
}

// LoadEarlier fetches the page before the oldest remote message and folds it
// into the snapshot. It returns the number of messages fetched.
func (v *View) LoadEarlier(ctx context.Context) (int, error) {
	var before time.Time
	var done bool
	if err := v.call(func() { before, done = v.oldest, v.complete || !v.seeded }); err != nil {
		return 0, err
	}
	if done {
		return 0, nil
	}
	page, err := v.e.remote.Messages(ctx, v.id, before, v.e.opts.PageSize)
	if err != nil {
		return 0, err
	}
	err = v.call(func() {
		for _, m := range page {
			v.snapshot[m.ID] = m
			if m.CreatedAt.Before(v.oldest) {
				v.oldest = m.CreatedAt
			}
		}
		if len(page) < v.e.opts.PageSize {
			v.oldest, v.complete = time.Time{}, true
		}
		v.reconcile()
	})
	return len(page), err
}

func indexOf(ms []model.Message, id string) int {
	for i := range ms {
		if ms[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(ms []model.Message) []model.Message {
	out := make([]model.Message, len(ms))
	for i, m := range ms {
		out[i] = m.Clone()
	}
	return out
}
