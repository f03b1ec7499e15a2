package attachment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

type memCache struct {
	mu      sync.Mutex
	images  map[string][]byte
	records map[string]model.UploadRecord
	failAll bool
}

func newMemCache() *memCache {
	return &memCache{images: map[string][]byte{}, records: map[string]model.UploadRecord{}}
}

func (c *memCache) err() error {
	if c.failAll {
		return errors.New("disk I/O error")
	}
	return nil
}

func (c *memCache) SaveImage(_ context.Context, id string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return err
	}
	c.images[id] = data
	return nil
}

func (c *memCache) LoadImage(_ context.Context, id string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return nil, err
	}
	data, ok := c.images[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return data, nil
}

func (c *memCache) DeleteImage(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.images, id)
	return c.err()
}

func (c *memCache) SaveUploadRecord(_ context.Context, r model.UploadRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return err
	}
	c.records[r.MessageID] = r
	return nil
}

func (c *memCache) UploadRecords(context.Context) ([]model.UploadRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.UploadRecord
	for _, r := range c.records {
		out = append(out, r)
	}
	return out, c.err()
}

func (c *memCache) DeleteUploadRecord(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
	return c.err()
}

func (c *memCache) hasImage(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.images[id]
	return ok
}

type fakeObjects struct {
	calls   atomic.Int64
	fail    atomic.Bool
	gate    chan struct{}
	entered chan struct{}
	keys    chan string
}

func (f *fakeObjects) Put(ctx context.Context, data []byte, key string, progress func(float64)) (string, error) {
	f.calls.Add(1)
	if f.keys != nil {
		f.keys <- key
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.fail.Load() {
		return "", errors.New("503 slow down")
	}
	progress(0.5)
	progress(1)
	return "https://cdn.example.com/" + key, nil
}

type fakeConn struct{ online atomic.Bool }

func (f *fakeConn) Online() bool { return f.online.Load() }

func setup(t *testing.T) (*Coordinator, *memCache, *fakeObjects, *fakeConn) {
	t.Helper()
	cache := newMemCache()
	objs := &fakeObjects{}
	conn := &fakeConn{}
	conn.online.Store(true)
	c := New(Options{}, cache, objs, conn, nil, nil, nil)
	return c, cache, objs, conn
}

var meta = Meta{ConversationID: "conv-1", Kind: model.MediaImage, Ext: "jpg"}

func TestCacheThenUpload(t *testing.T) {
	c, cache, objs, _ := setup(t)
	ctx := context.Background()

	c.Cache(ctx, "m1", meta, []byte("jpegbytes"))
	if st, ok := c.State("m1").(Cached); !ok || st.Ref != "m1" {
		t.Fatalf("state after Cache = %#v, want Cached", c.State("m1"))
	}

	url, ok := c.Upload(ctx, "m1")
	if !ok || !strings.HasPrefix(url, "https://cdn.example.com/chat_media/conv-1/") || !strings.HasSuffix(url, ".jpg") {
		t.Fatalf("Upload = %q, %v", url, ok)
	}
	if st, ok := c.State("m1").(Uploaded); !ok || st.URL != url {
		t.Errorf("state = %#v, want Uploaded(%s)", c.State("m1"), url)
	}
	if cache.hasImage("m1") {
		t.Error("local copy not purged after upload")
	}
	if objs.calls.Load() != 1 {
		t.Errorf("Put calls = %d, want 1", objs.calls.Load())
	}

	// Already uploaded: returns the URL without I/O.
	again, ok := c.Upload(ctx, "m1")
	if !ok || again != url || objs.calls.Load() != 1 {
		t.Errorf("second Upload = %q, %v with %d calls", again, ok, objs.calls.Load())
	}
}

func TestUploadOfflineHasNoSideEffects(t *testing.T) {
	c, cache, objs, conn := setup(t)
	ctx := context.Background()
	c.Cache(ctx, "m1", meta, []byte("x"))
	conn.online.Store(false)

	if url, ok := c.Upload(ctx, "m1"); ok || url != "" {
		t.Errorf("Upload offline = %q, %v", url, ok)
	}
	if _, ok := c.State("m1").(Cached); !ok {
		t.Errorf("state = %#v, want Cached", c.State("m1"))
	}
	if objs.calls.Load() != 0 || !cache.hasImage("m1") {
		t.Error("offline upload touched the network or the cache")
	}
}

func TestAtMostOneUploadInFlight(t *testing.T) {
	c, _, objs, _ := setup(t)
	ctx := context.Background()
	objs.gate = make(chan struct{})
	objs.entered = make(chan struct{}, 1)
	c.Cache(ctx, "m1", meta, []byte("x"))

	done := make(chan bool)
	go func() {
		_, ok := c.Upload(ctx, "m1")
		done <- ok
	}()
	<-objs.entered

	if !c.Active("m1") {
		t.Error("Active(m1) = false during upload")
	}
	if _, ok := c.Upload(ctx, "m1"); ok {
		t.Error("concurrent Upload accepted")
	}
	if _, ok := c.Retry(ctx, "m1"); ok {
		t.Error("concurrent Retry accepted")
	}
	close(objs.gate)
	if !<-done {
		t.Error("first Upload failed")
	}
	if objs.calls.Load() != 1 {
		t.Errorf("Put calls = %d, want exactly 1", objs.calls.Load())
	}
}

func TestRetryCap(t *testing.T) {
	c, _, objs, _ := setup(t)
	ctx := context.Background()
	objs.fail.Store(true)
	c.Cache(ctx, "m1", meta, []byte("x"))

	if _, ok := c.Upload(ctx, "m1"); ok {
		t.Fatal("Upload succeeded against a failing store")
	}
	for i := 0; i < 2; i++ {
		if _, ok := c.Retry(ctx, "m1"); ok {
			t.Fatal("Retry succeeded against a failing store")
		}
	}
	st, ok := c.State("m1").(Failed)
	if !ok || st.RetryCount != 3 {
		t.Fatalf("state = %#v, want Failed(_, 3)", c.State("m1"))
	}

	objs.fail.Store(false)
	if _, ok := c.Retry(ctx, "m1"); ok {
		t.Error("Retry beyond the cap was attempted")
	}
	if objs.calls.Load() != 3 {
		t.Errorf("Put calls = %d, want 3", objs.calls.Load())
	}
	if st, _ := c.State("m1").(Failed); st.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", st.RetryCount)
	}
}

func TestRetryAfterFailureSucceeds(t *testing.T) {
	c, _, objs, _ := setup(t)
	ctx := context.Background()
	objs.fail.Store(true)
	c.Cache(ctx, "m1", meta, []byte("x"))
	c.Upload(ctx, "m1")

	objs.fail.Store(false)
	if url, ok := c.Retry(ctx, "m1"); !ok || url == "" {
		t.Errorf("Retry = %q, %v", url, ok)
	}
}

func TestMissingBytesExhaustsAttempts(t *testing.T) {
	c, _, objs, _ := setup(t)
	if _, ok := c.Upload(context.Background(), "ghost"); ok {
		t.Fatal("Upload without bytes succeeded")
	}
	st, ok := c.State("ghost").(Failed)
	if !ok || st.RetryCount != c.MaxAttempts() {
		t.Errorf("state = %#v, want exhausted Failed", c.State("ghost"))
	}
	if objs.calls.Load() != 0 {
		t.Error("object store called without bytes")
	}
}

func TestSweepRepairsStuckUploads(t *testing.T) {
	cache := newMemCache()
	cache.records["stuck"] = model.UploadRecord{MessageID: "stuck", Phase: "uploading", Progress: 0.4}
	cache.records["done"] = model.UploadRecord{MessageID: "done", Phase: "uploaded", URL: "https://cdn/x"}
	conn := &fakeConn{}
	conn.online.Store(true)
	c := New(Options{}, cache, &fakeObjects{}, conn, nil, nil, nil)
	ctx := context.Background()
	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}

	// Uploading but not active: retry refuses until swept.
	if _, ok := c.Retry(ctx, "stuck"); ok {
		t.Error("Retry of an unswept stuck upload was attempted")
	}

	repaired := c.Sweep(ctx)
	if len(repaired) != 1 || repaired[0] != "stuck" {
		t.Fatalf("Sweep() = %v, want [stuck]", repaired)
	}
	if st, ok := c.State("stuck").(Failed); !ok || st.Reason != "timed out" || st.RetryCount != 0 {
		t.Errorf("state = %#v, want Failed(timed out, 0)", c.State("stuck"))
	}
	if cache.records["stuck"].Phase != "failed" {
		t.Errorf("persisted phase = %s, want failed", cache.records["stuck"].Phase)
	}
	if _, ok := c.State("done").(Uploaded); !ok {
		t.Errorf("uploaded state touched by sweep: %#v", c.State("done"))
	}
}

func TestSweepSkipsActiveUploads(t *testing.T) {
	c, _, objs, _ := setup(t)
	ctx := context.Background()
	objs.gate = make(chan struct{})
	objs.entered = make(chan struct{}, 1)
	c.Cache(ctx, "m1", meta, []byte("x"))

	done := make(chan struct{})
	go func() {
		c.Upload(ctx, "m1")
		close(done)
	}()
	<-objs.entered
	if got := c.Sweep(ctx); len(got) != 0 {
		t.Errorf("Sweep flagged an active upload: %v", got)
	}
	close(objs.gate)
	<-done
}

func TestDiscardAndForget(t *testing.T) {
	c, cache, _, _ := setup(t)
	ctx := context.Background()
	c.Cache(ctx, "m1", meta, []byte("x"))
	c.Discard(ctx, "m1")
	if _, ok := c.State("m1").(NotStarted); !ok {
		t.Errorf("state after Discard = %#v", c.State("m1"))
	}
	if cache.hasImage("m1") || len(cache.records) != 0 {
		t.Error("Discard left bytes or records behind")
	}
}

func TestCacheUnavailableKeepsBytesInMemory(t *testing.T) {
	cache := newMemCache()
	conn := &fakeConn{}
	conn.online.Store(true)
	b := bus.New()
	ch, unsub := b.Subscribe(bus.CacheDegraded, 8)
	defer unsub()
	c := New(Options{}, cache, &fakeObjects{}, conn, b, nil, nil)
	ctx := context.Background()

	cache.failAll = true
	c.Cache(ctx, "m1", meta, []byte("x"))
	if url, ok := c.Upload(ctx, "m1"); !ok || url == "" {
		t.Errorf("Upload with degraded cache = %q, %v", url, ok)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Error("no cache.degraded event")
	}
}

func TestStateEventsPublished(t *testing.T) {
	c, _, _, _ := setup(t)
	b := bus.New()
	c.bus = b
	ch, unsub := b.Subscribe(bus.AttachmentState, 32)
	defer unsub()

	ctx := context.Background()
	c.Cache(ctx, "m1", meta, []byte("x"))
	c.Upload(ctx, "m1")

	var phases []string
	timeout := time.After(time.Second)
	for len(phases) == 0 || phases[len(phases)-1] != "uploaded" {
		select {
		case evt := <-ch:
			phases = append(phases, evt.Payload.(StateChanged).State.Phase())
		case <-timeout:
			t.Fatalf("phases = %v, never reached uploaded", phases)
		}
	}
	if phases[0] != "cached" || phases[1] != "uploading" {
		t.Errorf("phases = %v, want cached, uploading, ..., uploaded", phases)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	for _, st := range []State{NotStarted{}, Cached{Ref: "m"}, Uploading{Progress: 0.3}, Uploaded{URL: "u"}, Failed{Reason: "r", RetryCount: 2}} {
		got, gotMeta, err := fromRecord(toRecord("m", meta, st))
		if err != nil {
			t.Fatalf("%T: %v", st, err)
		}
		if got != st || gotMeta != meta {
			t.Errorf("round trip %#v -> %#v", st, got)
		}
	}
	if _, _, err := fromRecord(model.UploadRecord{Phase: "exploded"}); err == nil {
		t.Error("unknown phase accepted")
	}
}

func TestConversations(t *testing.T) {
	c, _, _, conn := setup(t)
	conn.online.Store(false)
	ctx := context.Background()
	c.Cache(ctx, "m1", Meta{ConversationID: "c2", Kind: model.MediaImage, Ext: "png"}, []byte("x"))
	c.Cache(ctx, "m2", meta, []byte("x"))
	c.Cache(ctx, "m3", meta, []byte("x"))
	got := c.Conversations()
	if len(got) != 2 || got[0] != "c2" || got[1] != "conv-1" {
		t.Errorf("Conversations() = %v", got)
	}
}
