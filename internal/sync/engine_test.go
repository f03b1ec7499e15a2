package sync

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/attachment"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeRemote is an in-memory remote store. Watch delivers the newest page as
// the initial batch; PutMessage echoes the write to open streams when echo is set.
type fakeRemote struct {
	mu       sync.Mutex
	msgs     map[string]model.Message
	streams  map[string][]chan remote.Batch
	puts     map[string]int
	down     bool
	failPuts int
	echo     bool
	gate     chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		msgs:    map[string]model.Message{},
		streams: map[string][]chan remote.Batch{},
		puts:    map[string]int{},
		echo:    true,
	}
}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeRemote) page(conv string, before time.Time, limit int) []model.Message {
	var all []model.Message
	for _, m := range f.msgs {
		if m.ConversationID == conv && (before.IsZero() || m.CreatedAt.Before(before)) {
			all = append(all, m.Clone())
		}
	}
	model.SortMessages(all)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

func (f *fakeRemote) Messages(_ context.Context, conv string, before time.Time, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errors.New("no reachable servers")
	}
	return f.page(conv, before, limit), nil
}

func (f *fakeRemote) Watch(ctx context.Context, conv string, pageSize int) (<-chan remote.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errors.New("no reachable servers")
	}
	ch := make(chan remote.Batch, 64)
	first := remote.Batch{Initial: true}
	for _, m := range f.page(conv, time.Time{}, pageSize) {
		first.Changes = append(first.Changes, remote.Change{Kind: remote.Added, Message: m})
	}
	ch <- first
	f.streams[conv] = append(f.streams[conv], ch)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		f.streams[conv] = slices.DeleteFunc(f.streams[conv], func(c chan remote.Batch) bool { return c == ch })
		close(ch)
	}()
	return ch, nil
}

func (f *fakeRemote) PutMessage(_ context.Context, m model.Message) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[m.ID]++
	if f.down {
		return errors.New("no reachable servers")
	}
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("write concern error")
	}
	stored := m.Clone()
	kind := remote.Modified
	if prev, ok := f.msgs[m.ID]; ok {
		stored.Status, stored.ReadBy = prev.Status, prev.ReadBy
	} else {
		stored.Status, stored.ReadBy = model.Sent, nil
		kind = remote.Added
	}
	f.msgs[m.ID] = stored
	if f.echo {
		f.pushLocked(m.ConversationID, remote.Change{Kind: kind, Message: stored.Clone()})
	}
	return nil
}

// push stores m and delivers it to open streams.
func (f *fakeRemote) push(kind remote.ChangeKind, m model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == remote.Removed {
		delete(f.msgs, m.ID)
	} else {
		f.msgs[m.ID] = m.Clone()
	}
	f.pushLocked(m.ConversationID, remote.Change{Kind: kind, Message: m.Clone()})
}

func (f *fakeRemote) pushLocked(conv string, c remote.Change) {
	for _, ch := range f.streams[conv] {
		ch <- remote.Batch{Changes: []remote.Change{c}}
	}
}

func (f *fakeRemote) get(id string) (model.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	return m.Clone(), ok
}

func (f *fakeRemote) putCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[id]
}

type fakeObjects struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *fakeObjects) Put(_ context.Context, _ []byte, key string, progress func(float64)) (string, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return "", errors.New("503 slow down")
	}
	progress(1)
	return "https://cdn.example.com/" + key, nil
}

type fakeConn struct{ online atomic.Bool }

func (f *fakeConn) Online() bool { return f.online.Load() }

type harness struct {
	db      *store.DB
	remote  *fakeRemote
	objects *fakeObjects
	conn    *fakeConn
	uploads *attachment.Coordinator
	bus     *bus.Bus
	engine  *Engine
}

func newHarness(t *testing.T, online bool, opts Options) *harness {
	t.Helper()
	h := &harness{
		db:      testDB(t),
		remote:  newFakeRemote(),
		objects: &fakeObjects{},
		conn:    &fakeConn{},
		bus:     bus.New(),
	}
	h.conn.online.Store(online)
	h.remote.down = !online
	h.uploads = attachment.New(attachment.Options{}, h.db, h.objects, h.conn, h.bus, nil, nil)
	if opts.UserID == "" {
		opts.UserID, opts.UserName = "alice", "Alice"
	}
	h.engine = NewEngine(opts, Deps{
		Cache:   h.db,
		Remote:  h.remote,
		Uploads: h.uploads,
		Conn:    h.conn,
		Bus:     h.bus,
	})
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) goOnline() {
	h.remote.setDown(false)
	h.conn.online.Store(true)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func find(t *testing.T, v *View, id string) (model.Message, bool) {
	t.Helper()
	msgs, err := v.Messages()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

func statusOf(t *testing.T, v *View, id string) model.Status {
	t.Helper()
	m, ok := find(t, v, id)
	if !ok {
		return ""
	}
	return m.Status
}

func idle(v *View, id string) bool {
	var busy bool
	_ = v.call(func() { _, busy = v.inflight[id] })
	return !busy
}

func seeded(v *View) bool {
	var ok bool
	_ = v.call(func() { ok = v.seeded })
	return ok
}

func collectStatuses(b *bus.Bus, id string) func() []model.Status {
	ch, _ := b.Subscribe(bus.MessageStatus, 64)
	var mu sync.Mutex
	var seen []model.Status
	go func() {
		for evt := range ch {
			c := evt.Payload.(model.StatusChange)
			if c.MessageID != id && id != "" {
				continue
			}
			mu.Lock()
			if len(seen) == 0 {
				seen = append(seen, c.From)
			}
			seen = append(seen, c.To)
			mu.Unlock()
		}
	}()
	return func() []model.Status {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(seen)
	}
}

func TestComposeOfflineThenReconnect(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	statuses := collectStatuses(h.bus, "")

	v, err := h.engine.Open(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	m, err := v.Compose(ctx, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pipeline to yield", func() bool { return idle(v, m.ID) })
	if got := statusOf(t, v, m.ID); got != model.Staged {
		t.Fatalf("offline status = %s, want staged", got)
	}
	unsynced, _ := h.db.UnsyncedMessages(ctx)
	if len(unsynced) != 1 || unsynced[0].ID != m.ID {
		t.Fatalf("cache unsynced = %v", unsynced)
	}

	h.goOnline()
	if n := v.RetryPending(ctx); n != 1 {
		t.Fatalf("RetryPending = %d, want 1", n)
	}
	if got := statusOf(t, v, m.ID); got != model.Sent {
		t.Fatalf("status after reconnect = %s, want sent", got)
	}
	waitFor(t, "status events", func() bool { return len(statuses()) == 3 })
	if got := statuses(); !slices.Equal(got, []model.Status{model.Staged, model.Sending, model.Sent}) {
		t.Errorf("transitions = %v", got)
	}

	stored, ok := h.remote.get(m.ID)
	if !ok || stored.ID != m.ID || stored.Text != "hello" {
		t.Errorf("remote copy = %+v, %v", stored, ok)
	}
	unsynced, _ = h.db.UnsyncedMessages(ctx)
	if len(unsynced) != 0 {
		t.Errorf("still unsynced after send: %v", unsynced)
	}

	// The stream comes up and echoes the message; it stays exactly once.
	waitFor(t, "stream", func() bool { return seeded(v) })
	msgs, _ := v.Messages()
	if len(msgs) != 1 || msgs[0].ID != m.ID || msgs[0].Status != model.Sent {
		t.Errorf("messages after echo = %+v", msgs)
	}
}

func TestComposeOnlineSendsImmediately(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	v, _ := h.engine.Open(ctx, "c1")
	waitFor(t, "stream", func() bool { return seeded(v) })

	m, err := v.Compose(ctx, "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sent", func() bool { return statusOf(t, v, m.ID) == model.Sent })
	waitFor(t, "echo", func() bool {
		var waiting bool
		_ = v.call(func() { _, waiting = v.awaitingEcho[m.ID] })
		return !waiting
	})
	if n := h.remote.putCount(m.ID); n != 1 {
		t.Errorf("puts = %d, want 1", n)
	}
}

func TestComposeValidation(t *testing.T) {
	h := newHarness(t, true, Options{})
	v, _ := h.engine.Open(context.Background(), "c1")
	if _, err := v.Compose(context.Background(), "   ", nil); !errors.Is(err, model.ErrInvalidMessage) {
		t.Errorf("blank text err = %v", err)
	}
	if _, err := v.Compose(context.Background(), "x", &Outgoing{Kind: model.MediaImage}); !errors.Is(err, model.ErrInvalidMessage) {
		t.Errorf("empty attachment err = %v", err)
	}
	if msgs, _ := v.Messages(); len(msgs) != 0 {
		t.Errorf("invalid messages entered the list: %v", msgs)
	}

	h.engine.opts.UserID = ""
	if _, err := v.Compose(context.Background(), "x", nil); !errors.Is(err, model.ErrInvalidMessage) {
		t.Errorf("missing sender err = %v", err)
	}
}

func TestAttachmentOfflineThenReconnect(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	phases, unsub := h.bus.Subscribe(bus.AttachmentState, 64)
	defer unsub()

	v, _ := h.engine.Open(ctx, "c1")
	m, err := v.Compose(ctx, "look", &Outgoing{Data: []byte("\x89PNG"), Kind: model.MediaImage, Ext: "png"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pipeline to yield", func() bool { return idle(v, m.ID) })
	if _, ok := h.uploads.State(m.ID).(attachment.Cached); !ok {
		t.Fatalf("attachment state = %#v, want Cached", h.uploads.State(m.ID))
	}
	if got := statusOf(t, v, m.ID); got != model.Staged {
		t.Fatalf("status = %s, want staged", got)
	}

	h.goOnline()
	v.RetryPending(ctx)

	got, _ := find(t, v, m.ID)
	if got.Status != model.Sent || got.Attachment == nil || got.Attachment.URL == "" {
		t.Fatalf("message after reconnect = %+v", got)
	}
	stored, _ := h.remote.get(m.ID)
	if stored.Attachment == nil || stored.Attachment.URL != got.Attachment.URL {
		t.Errorf("remote attachment = %+v, want %s", stored.Attachment, got.Attachment.URL)
	}

	var seen []string
	timeout := time.After(time.Second)
	for !slices.Contains(seen, "uploaded") {
		select {
		case evt := <-phases:
			seen = append(seen, evt.Payload.(attachment.StateChanged).State.Phase())
		case <-timeout:
			t.Fatalf("phases = %v", seen)
		}
	}
	if seen[0] != "cached" || !slices.Contains(seen, "uploading") {
		t.Errorf("phases = %v", seen)
	}
	if _, err := h.db.LoadImage(ctx, m.ID); !errors.Is(err, model.ErrNotFound) {
		t.Error("local bytes not purged after upload")
	}
	if _, ok := h.uploads.State(m.ID).(attachment.NotStarted); !ok {
		t.Errorf("upload state not released after send: %#v", h.uploads.State(m.ID))
	}
}

func TestAttachmentFailureSendsTextThenCompletes(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	h.objects.fail.Store(true)
	v, _ := h.engine.Open(ctx, "c1")

	m, err := v.Compose(ctx, "caption", &Outgoing{Data: []byte("img"), Kind: model.MediaImage, Ext: "jpg"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "text sent", func() bool { return statusOf(t, v, m.ID) == model.Sent && idle(v, m.ID) })

	// Text delivered, attachment failed independently.
	got, _ := find(t, v, m.ID)
	if !got.Attachment.Pending() {
		t.Fatalf("attachment resolved despite failing upload: %+v", got.Attachment)
	}
	if st, ok := h.uploads.State(m.ID).(attachment.Failed); !ok || st.RetryCount != 1 {
		t.Fatalf("upload state = %#v", h.uploads.State(m.ID))
	}

	h.objects.fail.Store(false)
	if n := v.RetryPending(ctx); n != 1 {
		t.Fatalf("RetryPending = %d, want 1", n)
	}
	stored, _ := h.remote.get(m.ID)
	if stored.Attachment == nil || stored.Attachment.URL == "" {
		t.Fatalf("remote attachment not completed: %+v", stored.Attachment)
	}
	if stored.Status != model.Sent {
		t.Errorf("remote status = %s", stored.Status)
	}
	waitFor(t, "echo adopted", func() bool {
		got, _ := find(t, v, m.ID)
		return got.Attachment != nil && got.Attachment.URL != ""
	})
}

func TestAttachmentOnlyFailureCapsRetries(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	h.objects.fail.Store(true)
	v, _ := h.engine.Open(ctx, "c1")

	m, err := v.Compose(ctx, "", &Outgoing{Data: []byte("img"), Kind: model.MediaImage, Ext: "jpg"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first attempt", func() bool { return idle(v, m.ID) })
	if got := statusOf(t, v, m.ID); got != model.Staged {
		t.Fatalf("status after failed upload = %s, want staged", got)
	}

	for i := 0; i < 2; i++ {
		if n := v.RetryPending(ctx); n != 1 {
			t.Fatalf("retry %d: RetryPending = %d", i, n)
		}
	}
	if st, ok := h.uploads.State(m.ID).(attachment.Failed); !ok || st.RetryCount != 3 {
		t.Fatalf("upload state = %#v, want Failed(_, 3)", h.uploads.State(m.ID))
	}
	if got := statusOf(t, v, m.ID); got != model.Failed {
		t.Fatalf("status after exhausted uploads = %s, want failed", got)
	}

	if n := v.RetryPending(ctx); n != 0 {
		t.Errorf("exhausted message retried automatically")
	}
	if err := v.Retry(ctx, m.ID); !errors.Is(err, model.ErrNotRetryable) {
		t.Errorf("manual retry err = %v, want ErrNotRetryable", err)
	}
	if calls := h.objects.calls.Load(); calls != 3 {
		t.Errorf("uploads = %d, want 3", calls)
	}
	if n := h.remote.putCount(m.ID); n != 0 {
		t.Errorf("attachment-only message written without its attachment")
	}
}

// exhaustWithText drives a captioned image through three failed uploads,
// each followed by a failed remote write of its text.
func exhaustWithText(t *testing.T, h *harness) (*View, model.Message) {
	t.Helper()
	ctx := context.Background()
	h.objects.fail.Store(true)
	h.remote.failPuts = 3
	v, _ := h.engine.Open(ctx, "c1")

	m, err := v.Compose(ctx, "caption", &Outgoing{Data: []byte("img"), Kind: model.MediaImage, Ext: "jpg"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first failure", func() bool { return statusOf(t, v, m.ID) == model.Failed && idle(v, m.ID) })
	for i := 0; i < 2; i++ {
		if n := v.RetryPending(ctx); n != 1 {
			t.Fatalf("retry %d: RetryPending = %d", i, n)
		}
	}
	if st, ok := h.uploads.State(m.ID).(attachment.Failed); !ok || st.RetryCount != 3 {
		t.Fatalf("upload state = %#v, want Failed(_, 3)", h.uploads.State(m.ID))
	}
	if got := statusOf(t, v, m.ID); got != model.Failed {
		t.Fatalf("status = %s, want failed", got)
	}
	if n := h.remote.putCount(m.ID); n != 3 {
		t.Fatalf("remote writes = %d, want 3", n)
	}
	h.objects.fail.Store(false)
	return v, m
}

func TestExhaustedAttachmentStillSendsTextOnReconnect(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	v, m := exhaustWithText(t, h)

	if n := v.RetryPending(ctx); n != 1 {
		t.Fatalf("RetryPending = %d, want 1", n)
	}
	if got := statusOf(t, v, m.ID); got != model.Sent {
		t.Fatalf("status = %s, want sent", got)
	}
	stored, ok := h.remote.get(m.ID)
	if !ok || stored.Text != "caption" {
		t.Fatalf("text not on remote: %+v", stored)
	}
	if stored.Attachment == nil || stored.Attachment.URL != "" {
		t.Errorf("remote attachment = %+v, want kind without url", stored.Attachment)
	}
	if calls := h.objects.calls.Load(); calls != 3 {
		t.Errorf("uploads = %d, want 3", calls)
	}
	if n := v.RetryPending(ctx); n != 0 {
		t.Errorf("sent message with exhausted attachment retried again")
	}
}

func TestExhaustedAttachmentManualRetrySendsText(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	v, m := exhaustWithText(t, h)

	if err := v.Retry(ctx, m.ID); err != nil {
		t.Fatalf("manual retry: %v", err)
	}
	waitFor(t, "text sent", func() bool { return statusOf(t, v, m.ID) == model.Sent && idle(v, m.ID) })
	if stored, ok := h.remote.get(m.ID); !ok || stored.Text != "caption" {
		t.Fatalf("text not on remote: %+v", stored)
	}
	if calls := h.objects.calls.Load(); calls != 3 {
		t.Errorf("uploads = %d, want 3", calls)
	}
	if err := v.Retry(ctx, m.ID); !errors.Is(err, model.ErrNotRetryable) {
		t.Errorf("retry after text delivered: err = %v, want ErrNotRetryable", err)
	}
}

func TestCompleteAttachmentWritesResolvedURL(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	h.objects.fail.Store(true)
	v, _ := h.engine.Open(ctx, "c1")

	m, err := v.Compose(ctx, "caption", &Outgoing{Data: []byte("img"), Kind: model.MediaImage, Ext: "jpg"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "text sent", func() bool { return statusOf(t, v, m.ID) == model.Sent && idle(v, m.ID) })

	// The view holds the remote copy without a URL, as after a realtime
	// batch replaced it mid-upload.
	if got, _ := find(t, v, m.ID); got.Attachment == nil || got.Attachment.URL != "" {
		t.Fatalf("view attachment = %+v", got.Attachment)
	}
	const url = "https://cdn.example.com/chat_media/c1/x.jpg"
	v.completeAttachment(ctx, m.ID, url)

	stored, _ := h.remote.get(m.ID)
	if stored.Attachment == nil || stored.Attachment.URL != url {
		t.Fatalf("remote attachment = %+v, want url %s", stored.Attachment, url)
	}
	if _, ok := h.uploads.State(m.ID).(attachment.NotStarted); !ok {
		t.Errorf("upload state = %#v, want forgotten", h.uploads.State(m.ID))
	}
}

func TestRemoteFailureThenManualRetry(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	h.remote.failPuts = 1
	v, _ := h.engine.Open(ctx, "c1")

	m, _ := v.Compose(ctx, "hi", nil)
	waitFor(t, "failure", func() bool { return statusOf(t, v, m.ID) == model.Failed && idle(v, m.ID) })

	if err := v.Retry(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sent", func() bool { return statusOf(t, v, m.ID) == model.Sent })
	if n := h.remote.putCount(m.ID); n != 2 {
		t.Errorf("puts = %d, want 2", n)
	}
	waitFor(t, "idle", func() bool { return idle(v, m.ID) })
	if err := v.Retry(ctx, m.ID); !errors.Is(err, model.ErrNotRetryable) {
		t.Errorf("retry of sent message err = %v", err)
	}
	if err := v.Retry(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("retry of unknown message err = %v", err)
	}
}

func TestConcurrentReconnectsSendOnce(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	v, _ := h.engine.Open(ctx, "c1")
	var composed []string
	for _, text := range []string{"one", "two", "three"} {
		m, _ := v.Compose(ctx, text, nil)
		composed = append(composed, m.ID)
	}
	for _, id := range composed {
		waitFor(t, "pipeline to yield", func() bool { return idle(v, id) })
	}

	h.goOnline()
	h.remote.gate = make(chan struct{})
	var wg sync.WaitGroup
	var total atomic.Int32
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(int32(v.RetryPending(ctx)))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(h.remote.gate)
	wg.Wait()

	if total.Load() != 3 {
		t.Errorf("messages retried = %d, want 3", total.Load())
	}
	for _, id := range composed {
		if n := h.remote.putCount(id); n != 1 {
			t.Errorf("message %s written %d times", id, n)
		}
		if got := statusOf(t, v, id); got != model.Sent {
			t.Errorf("message %s = %s", id, got)
		}
	}
}

func TestRemoteReceiptsAdopted(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	v, _ := h.engine.Open(ctx, "c1")
	m, _ := v.Compose(ctx, "hi", nil)
	waitFor(t, "sent", func() bool { return statusOf(t, v, m.ID) == model.Sent })

	stored, _ := h.remote.get(m.ID)
	stored.Status, stored.ReadBy = model.Read, []string{"bob"}
	h.remote.push(remote.Modified, stored)
	waitFor(t, "read receipt", func() bool { return statusOf(t, v, m.ID) == model.Read })

	cached, err := h.db.Message(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cached.Status != model.Read || len(cached.ReadBy) != 1 {
		t.Errorf("cache mirror = %+v", cached)
	}
}

func TestSnapshotDropsConfirmedKeepsOwned(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	gone := message("gone", 10, model.Sent)
	staged := message("staged", 11, model.Staged)
	for _, m := range []model.Message{gone, staged} {
		if err := h.db.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	other := message("other", 12, model.Sent)
	other.SenderID = "bob"
	h.remote.push(remote.Added, other)

	v, _ := h.engine.Open(ctx, "c1")
	waitFor(t, "stream", func() bool { return seeded(v) })
	msgs, _ := v.Messages()
	if got := ids(msgs); !slices.Equal(got, []string{"staged", "other"}) {
		t.Errorf("messages = %v, want [staged other]", got)
	}
	if _, err := h.db.Message(ctx, "gone"); !errors.Is(err, model.ErrNotFound) {
		t.Error("dropped message still cached")
	}
	if _, err := h.db.Message(ctx, "other"); err != nil {
		t.Errorf("adopted message not mirrored: %v", err)
	}
}

func TestWindowKeepsOlderCachedMessages(t *testing.T) {
	h := newHarness(t, true, Options{PageSize: 2})
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		m := message(id, int64(i+1), model.Sent)
		h.remote.push(remote.Added, m)
		if err := h.db.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	v, _ := h.engine.Open(ctx, "c1")
	waitFor(t, "stream", func() bool { return seeded(v) })
	msgs, _ := v.Messages()
	if len(msgs) != 5 {
		t.Fatalf("messages = %v, older cached messages dropped", ids(msgs))
	}

	n, err := v.LoadEarlier(ctx)
	if err != nil || n != 2 {
		t.Fatalf("LoadEarlier = %d, %v", n, err)
	}
	n, _ = v.LoadEarlier(ctx)
	if n != 1 {
		t.Fatalf("second LoadEarlier = %d, want 1", n)
	}
	if n, _ = v.LoadEarlier(ctx); n != 0 {
		t.Errorf("LoadEarlier past the start = %d", n)
	}
	msgs, _ = v.Messages()
	if got := ids(msgs); !slices.Equal(got, []string{"m1", "m2", "m3", "m4", "m5"}) {
		t.Errorf("messages = %v", got)
	}
}

func TestReceivedAnnouncedOnce(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	received, unsub := h.bus.Subscribe(bus.MessageReceived, 16)
	defer unsub()

	old := message("old", 100, model.Sent)
	old.SenderID = "bob"
	h.remote.push(remote.Added, old)
	if err := h.db.SetCheckpoint(ctx, lastSeenKey("c1"), "100000"); err != nil {
		t.Fatal(err)
	}
	missed := message("missed", 200, model.Sent)
	missed.SenderID = "bob"
	h.remote.push(remote.Added, missed)

	v, _ := h.engine.Open(ctx, "c1")
	waitFor(t, "stream", func() bool { return seeded(v) })

	fresh := message("fresh", 300, model.Sent)
	fresh.SenderID = "carol"
	h.remote.push(remote.Added, fresh)
	h.remote.push(remote.Added, fresh)
	mine := message("mine", 301, model.Sent)
	h.remote.push(remote.Added, mine)
	waitFor(t, "mine merged", func() bool { _, ok := find(t, v, "mine"); return ok })

	var got []string
	for len(got) < 2 {
		select {
		case evt := <-received:
			got = append(got, evt.Payload.(Received).Message.ID)
		case <-time.After(time.Second):
			t.Fatalf("received = %v", got)
		}
	}
	select {
	case evt := <-received:
		t.Errorf("unexpected announcement %s", evt.Payload.(Received).Message.ID)
	case <-time.After(50 * time.Millisecond):
	}
	if !slices.Equal(got, []string{"missed", "fresh"}) {
		t.Errorf("received = %v, want [missed fresh]", got)
	}
	if cp, _ := h.db.Checkpoint(ctx, lastSeenKey("c1")); cp != "300000" {
		t.Errorf("checkpoint = %s", cp)
	}
}

func TestOpenDemotesSending(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	if err := h.db.SaveMessage(ctx, message("m", 1, model.Sending)); err != nil {
		t.Fatal(err)
	}
	v, _ := h.engine.Open(ctx, "c1")
	if got := statusOf(t, v, "m"); got != model.Staged {
		t.Errorf("status after restart = %s, want staged", got)
	}
	cached, _ := h.db.Message(ctx, "m")
	if cached.Status != model.Staged {
		t.Errorf("cached status = %s", cached.Status)
	}
}

func TestDiscard(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	v, _ := h.engine.Open(ctx, "c1")
	m, _ := v.Compose(ctx, "", &Outgoing{Data: []byte("x"), Kind: model.MediaFile, Ext: "pdf"})
	waitFor(t, "pipeline to yield", func() bool { return idle(v, m.ID) })

	if err := v.Discard(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := find(t, v, m.ID); ok {
		t.Error("message still listed")
	}
	if _, err := h.db.Message(ctx, m.ID); !errors.Is(err, model.ErrNotFound) {
		t.Error("message still cached")
	}
	if _, err := h.db.LoadImage(ctx, m.ID); !errors.Is(err, model.ErrNotFound) {
		t.Error("attachment bytes still cached")
	}
	if err := v.Discard(ctx, m.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second discard err = %v", err)
	}
}

func TestCacheFailureKeepsSessionRunning(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	degraded, unsub := h.bus.Subscribe(bus.CacheDegraded, 16)
	defer unsub()
	v, _ := h.engine.Open(ctx, "c1")
	waitFor(t, "stream", func() bool { return seeded(v) })

	_ = h.db.Close()
	m, err := v.Compose(ctx, "still works", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sent", func() bool { return statusOf(t, v, m.ID) == model.Sent })
	select {
	case <-degraded:
	case <-time.After(time.Second):
		t.Error("no cache.degraded event")
	}
	if !h.engine.health.Degraded() {
		t.Error("engine not degraded")
	}
}

func TestResumeAndClose(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	m := message("m", 1, model.Staged)
	m.ConversationID = "c9"
	if err := h.db.SaveMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	v, ok := h.engine.View("c9")
	if !ok {
		t.Fatal("conversation with unsynced messages not resumed")
	}
	h.goOnline()
	if n := h.engine.RetryAll(ctx); n != 1 {
		t.Errorf("RetryAll = %d, want 1", n)
	}

	h.engine.Close("c9")
	if _, ok := h.engine.View("c9"); ok {
		t.Error("view still registered")
	}
	if _, err := v.Messages(); !errors.Is(err, model.ErrViewClosed) {
		t.Errorf("closed view err = %v", err)
	}
}
