package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gophoto/photoflow/internal/model"
	"github.com/gophoto/photoflow/internal/queue"
	"github.com/gophoto/photoflow/internal/queue/memory"
	"github.com/gophoto/photoflow/internal/storage/tier"
	"github.com/gophoto/photoflow/internal/variant"
)

var testSpecs = []model.VariantSpec{
	{Name: "thumbnail", MaxWidth: 100, MaxHeight: 100, Format: "jpeg", Quality: 80, Tier: model.TierHot},
	{Name: "web", MaxWidth: 400, MaxHeight: 400, Format: "jpeg", Quality: 85, Tier: model.TierHot},
	{Name: "preview", MaxWidth: 200, MaxHeight: 150, Format: "jpeg", Quality: 85, Tier: model.TierWarm},
}

// fakeStore is an in-memory state store with the repository's optimistic
// versioning semantics. It records every status written, so tests can check
// the observed sequence against the allowed edges.
type fakeStore struct {
	mu          sync.Mutex
	images      map[uuid.UUID]*model.Image
	history     map[uuid.UUID][]model.ProcessingStatus
	failUpdates int
	afterUpdate func(s *fakeStore, id uuid.UUID)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		images:  make(map[uuid.UUID]*model.Image),
		history: make(map[uuid.UUID][]model.ProcessingStatus),
	}
}

func copyImage(img model.Image) model.Image {
	variants := make(map[string]model.VariantRecord, len(img.Variants))
	for name, rec := range img.Variants {
		variants[name] = rec
	}
	img.Variants = variants
	return img
}

func (s *fakeStore) put(img model.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyImage(img)
	s.images[img.ID] = &cp
	s.history[img.ID] = append(s.history[img.ID], img.Status)
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (model.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[id]
	if !ok {
		return model.Image{}, model.ErrImageNotFound
	}
	return copyImage(*img), nil
}

func (s *fakeStore) Update(_ context.Context, img *model.Image) error {
	s.mu.Lock()

	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		return errors.New("connection reset")
	}

	current, ok := s.images[img.ID]
	if !ok {
		s.mu.Unlock()
		return model.ErrImageNotFound
	}
	if current.Version != img.Version {
		s.mu.Unlock()
		return model.ErrVersionConflict
	}

	img.Version++
	cp := copyImage(*img)
	s.images[img.ID] = &cp
	s.history[img.ID] = append(s.history[img.ID], img.Status)
	hook := s.afterUpdate
	s.mu.Unlock()

	if hook != nil {
		hook(s, img.ID)
	}

	return nil
}

func (s *fakeStore) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.images[id]
	return ok, nil
}

func (s *fakeStore) delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, id)
}

// fakeBlobs is an in-memory tier router. failPuts makes the first N Put
// calls fail with a transient error; loadDelay stalls Load until the task
// context expires.
type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putCount  map[string]int
	failPuts  int
	loadDelay time.Duration
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		objects:  make(map[string][]byte),
		putCount: make(map[string]int),
	}
}

func blobKey(t model.Tier, key string) string {
	return string(t) + "/" + key
}

func (b *fakeBlobs) Put(_ context.Context, t model.Tier, key string, data []byte, _ string) (model.BlobRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failPuts != 0 {
		if b.failPuts > 0 {
			b.failPuts--
		}
		return model.BlobRef{}, model.Transient(errors.New("storage unavailable"))
	}

	b.objects[blobKey(t, key)] = data
	b.putCount[blobKey(t, key)]++

	return model.BlobRef{Key: key, Tier: t}, nil
}

func (b *fakeBlobs) Load(ctx context.Context, ref model.BlobRef) (io.ReadCloser, error) {
	b.mu.Lock()
	delay := b.loadDelay
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[blobKey(ref.Tier, ref.Key)]
	if !ok {
		return nil, model.Transient(fmt.Errorf("blob %s not found", ref.Key))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) Exists(_ context.Context, ref model.BlobRef) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[blobKey(ref.Tier, ref.Key)]
	return ok, nil
}

func (b *fakeBlobs) variantPutTotal() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for key, n := range b.putCount {
		if !bytes.Contains([]byte(key), []byte("original")) {
			total += n
		}
	}
	return total
}

// fakeQueue records how each delivery was settled.
type fakeQueue struct {
	mu       sync.Mutex
	acks     int
	requeues []queue.Task
}

func (q *fakeQueue) Enqueue(context.Context, uuid.UUID) error { return nil }
func (q *fakeQueue) Dequeue(context.Context) (queue.Task, error) {
	return queue.Task{}, errors.New("not used")
}

func (q *fakeQueue) Ack(context.Context, queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks++
	return nil
}

func (q *fakeQueue) Requeue(_ context.Context, t queue.Task, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeues = append(q.requeues, t)
	return nil
}

func testPool(store *fakeStore, blobs *fakeBlobs, q queue.Queue) *Pool {
	return NewPool(Config{
		Workers:             1,
		MaxTaskAttempts:     3,
		RequeueDelay:        time.Millisecond,
		RequeueBackoff:      2.0,
		TaskTimeout:         5 * time.Second,
		MaxParallelVariants: 2,
	}, q, store, blobs, variant.New("", ""), testSpecs)
}

func seedImage(t *testing.T, store *fakeStore, blobs *fakeBlobs, w, h int) model.Image {
	t.Helper()

	galleryID := uuid.New()
	img := model.NewImage(galleryID, model.BlobRef{}, "image/jpeg", 0, testSpecs)

	key := tier.OriginalKey(galleryID.String(), img.ID.String(), "jpeg")
	ref, err := blobs.Put(context.Background(), model.TierCold, key, encodeJPEG(t, w, h), "image/jpeg")
	if err != nil {
		t.Fatalf("seed original: %v", err)
	}
	img.Original = ref
	img.ByteSize = int64(len(blobs.objects[blobKey(model.TierCold, key)]))
	img.Version = 1

	store.put(img)

	return img
}

// deliver drives the task through handle, following requeues the way the
// broker would, until the queue stops redelivering.
func deliver(t *testing.T, p *Pool, q *fakeQueue, imageID uuid.UUID) {
	t.Helper()

	task := queue.Task{ImageID: imageID, Attempt: 1}
	for i := 0; i < 10; i++ {
		before := len(q.requeues)
		p.handle(context.Background(), task)
		if len(q.requeues) == before {
			return
		}
		next := q.requeues[len(q.requeues)-1]
		task = queue.Task{ImageID: next.ImageID, Attempt: next.Attempt + 1}
	}
	t.Fatal("task never settled")
}

func assertLegalHistory(t *testing.T, history []model.ProcessingStatus) {
	t.Helper()

	for i := 1; i < len(history); i++ {
		from, to := history[i-1], history[i]
		if from == to {
			continue
		}
		if !from.CanTransition(to) {
			t.Errorf("observed illegal transition %s -> %s in %v", from, to, history)
		}
	}
}

func TestProcessCompletesAllVariants(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeQueue{}
	p := testPool(store, blobs, q)

	img := seedImage(t, store, blobs, 640, 480)

	deliver(t, p, q, img.ID)

	got, err := store.Get(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ProcessingCompletedAt == nil || got.ProcessingStartedAt == nil {
		t.Error("processing timestamps not set")
	}
	if got.Width == nil || *got.Width != 640 {
		t.Errorf("width not extracted, got %v", got.Width)
	}

	for _, spec := range testSpecs {
		rec := got.Variants[spec.Name]
		if rec.Status != model.VariantCompleted {
			t.Errorf("variant %s status = %s, want completed", spec.Name, rec.Status)
		}
		wantKey := tier.VariantKey(img.GalleryID.String(), img.ID.String(), spec.Name, spec.Format)
		if rec.BlobRef.Key != wantKey {
			t.Errorf("variant %s key = %q, want %q", spec.Name, rec.BlobRef.Key, wantKey)
		}
		if rec.BlobRef.Tier != spec.Tier {
			t.Errorf("variant %s tier = %s, want %s", spec.Name, rec.BlobRef.Tier, spec.Tier)
		}
	}

	assertLegalHistory(t, store.history[img.ID])
}

func TestTransientFailuresWithinBudgetComplete(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeQueue{}
	p := testPool(store, blobs, q)

	img := seedImage(t, store, blobs, 640, 480)
	blobs.failPuts = 2 // attempts 1 and 2 hit storage errors, attempt 3 is clean

	deliver(t, p, q, img.ID)

	got, _ := store.Get(context.Background(), img.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed, history %v", got.Status, store.history[img.ID])
	}
	if len(q.requeues) == 0 {
		t.Error("expected at least one requeue for the transient failures")
	}

	sawRetrying := false
	for _, s := range store.history[img.ID] {
		if s == model.StatusRetrying {
			sawRetrying = true
		}
	}
	if !sawRetrying {
		t.Error("retrying status never written for pollers")
	}

	assertLegalHistory(t, store.history[img.ID])
}

func TestTransientBudgetExhaustedFails(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeQueue{}
	p := testPool(store, blobs, q)

	img := seedImage(t, store, blobs, 640, 480)
	blobs.failPuts = -1 // every put fails

	deliver(t, p, q, img.ID)

	got, _ := store.Get(context.Background(), img.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ProcessingErrors == "" {
		t.Error("processing_errors empty after budget exhaustion")
	}
	for name, rec := range got.Variants {
		if rec.Status == model.VariantPending {
			t.Errorf("variant %s stuck pending under failed image", name)
		}
	}
	if len(q.requeues) != 2 {
		t.Errorf("requeues = %d, want 2 for a budget of 3", len(q.requeues))
	}

	assertLegalHistory(t, store.history[img.ID])
}

// A task that overruns its timeout consumes one attempt like any transient
// failure and completes once the backend recovers.
func TestTaskTimeoutIsTransient(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeQueue{}
	p := NewPool(Config{
		Workers:             1,
		MaxTaskAttempts:     3,
		RequeueDelay:        time.Millisecond,
		RequeueBackoff:      2.0,
		TaskTimeout:         50 * time.Millisecond,
		MaxParallelVariants: 2,
	}, q, store, blobs, variant.New("", ""), testSpecs)

	img := seedImage(t, store, blobs, 640, 480)

	blobs.mu.Lock()
	blobs.loadDelay = time.Minute
	blobs.mu.Unlock()

	p.handle(context.Background(), queue.Task{ImageID: img.ID, Attempt: 1})

	got, _ := store.Get(context.Background(), img.ID)
	if got.Status != model.StatusRetrying {
		t.Fatalf("status = %s after timeout, want retrying", got.Status)
	}
	if len(q.requeues) != 1 {
		t.Fatalf("requeues = %d, want 1", len(q.requeues))
	}

	// Backend recovers; the redelivery completes within the budget.
	blobs.mu.Lock()
	blobs.loadDelay = 0
	blobs.mu.Unlock()

	p.handle(context.Background(), queue.Task{ImageID: img.ID, Attempt: 2})

	got, _ = store.Get(context.Background(), img.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s after recovery, want completed", got.Status)
	}

	assertLegalHistory(t, store.history[img.ID])
}

// Budget exhaustion can find the record still at pending or retrying when
// the final attempt's first store write blipped. Settlement must step
// through processing so the image never wedges non-terminal.
func TestBudgetExhaustionSettlesNonProcessingStatuses(t *testing.T) {
	for _, start := range []model.ProcessingStatus{model.StatusPending, model.StatusRetrying} {
		t.Run(string(start), func(t *testing.T) {
			store := newFakeStore()
			blobs := newFakeBlobs()
			q := &fakeQueue{}
			p := testPool(store, blobs, q)

			img := seedImage(t, store, blobs, 640, 480)

			if start == model.StatusRetrying {
				for _, s := range []model.ProcessingStatus{model.StatusProcessing, model.StatusRetrying} {
					stored, _ := store.Get(context.Background(), img.ID)
					stored.Status = s
					if err := store.Update(context.Background(), &stored); err != nil {
						t.Fatalf("seed update: %v", err)
					}
				}
			}

			// The final attempt's begin write fails, leaving the record at
			// its pre-attempt status when the budget runs out.
			store.failUpdates = 1
			p.handle(context.Background(), queue.Task{ImageID: img.ID, Attempt: 3})

			got, err := store.Get(context.Background(), img.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != model.StatusFailed {
				t.Fatalf("status = %s, want failed", got.Status)
			}
			if got.ProcessingErrors == "" {
				t.Error("processing_errors empty after settlement")
			}
			for name, rec := range got.Variants {
				if rec.Status == model.VariantPending {
					t.Errorf("variant %s stuck pending under failed image", name)
				}
			}
			if len(q.requeues) != 0 {
				t.Errorf("exhausted task requeued %d times", len(q.requeues))
			}
			if q.acks != 1 {
				t.Errorf("acks = %d, want 1", q.acks)
			}

			assertLegalHistory(t, store.history[img.ID])
		})
	}
}

func TestPermanentFailureShortCircuits(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeQueue{}
	p := testPool(store, blobs, q)

	// A text stream behind an image content type: extraction must fail
	// permanently without consuming retry budget.
	galleryID := uuid.New()
	img := model.NewImage(galleryID, model.BlobRef{}, "image/jpeg", 0, testSpecs)
	key := tier.OriginalKey(galleryID.String(), img.ID.String(), "jpeg")
	ref, err := blobs.Put(context.Background(), model.TierCold, key, []byte("plain text, not an image"), "image/jpeg")
	if err != nil {
		t.Fatalf("seed original: %v", err)
	}
	img.Original = ref
	img.Version = 1
	store.put(img)

	deliver(t, p, q, img.ID)

	got, _ := store.Get(context.Background(), img.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if len(q.requeues) != 0 {
		t.Errorf("permanent failure consumed %d retries", len(q.requeues))
	}
	if got.ProcessingErrors == "" {
		t.Error("processing_errors empty after permanent failure")
	}
	for name, rec := range got.Variants {
		if rec.Status != model.VariantFailed {
			t.Errorf("variant %s status = %s, want failed", name, rec.Status)
		}
	}
}

func TestDeletionMidTaskAbortsSilently(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeQueue{}
	p := testPool(store, blobs, q)

	img := seedImage(t, store, blobs, 640, 480)

	// Delete the record right after the worker claims the task: every
	// variant write must then notice the gone record and stay unwritten.
	store.afterUpdate = func(s *fakeStore, id uuid.UUID) {
		s.delete(id)
	}

	deliver(t, p, q, img.ID)

	if _, err := store.Get(context.Background(), img.ID); !errors.Is(err, model.ErrImageNotFound) {
		t.Fatalf("record resurrected after deletion: %v", err)
	}
	if n := blobs.variantPutTotal(); n != 0 {
		t.Errorf("%d variant blobs written for a deleted image", n)
	}
	if len(q.requeues) != 0 {
		t.Errorf("deletion race requeued the task %d times", len(q.requeues))
	}
	if q.acks == 0 {
		t.Error("task for deleted image was never acked")
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeQueue{}
	p := testPool(store, blobs, q)

	img := seedImage(t, store, blobs, 640, 480)

	deliver(t, p, q, img.ID)
	writesAfterFirst := blobs.variantPutTotal()

	// The broker redelivers the same task after the image completed.
	p.handle(context.Background(), queue.Task{ImageID: img.ID, Attempt: 1})

	if n := blobs.variantPutTotal(); n != writesAfterFirst {
		t.Errorf("redelivery wrote %d extra blobs", n-writesAfterFirst)
	}

	got, _ := store.Get(context.Background(), img.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %s after redelivery, want completed", got.Status)
	}
}

func TestRedeliverySkipsCompletedVariants(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeQueue{}
	p := testPool(store, blobs, q)

	img := seedImage(t, store, blobs, 640, 480)

	// Simulate a crash after the thumbnail was stored: its record is
	// completed and its blob resolves, the rest are pending.
	thumbKey := tier.VariantKey(img.GalleryID.String(), img.ID.String(), "thumbnail", "jpeg")
	ref, err := blobs.Put(context.Background(), model.TierHot, thumbKey, encodeJPEG(t, 100, 75), "image/jpeg")
	if err != nil {
		t.Fatalf("seed thumbnail: %v", err)
	}

	now := time.Now().UTC()
	stored, _ := store.Get(context.Background(), img.ID)
	stored.Status = model.StatusProcessing
	stored.Variants["thumbnail"] = model.VariantRecord{
		Status:      model.VariantCompleted,
		BlobRef:     ref,
		CompletedAt: &now,
	}
	if err := store.Update(context.Background(), &stored); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	thumbWritesBefore := blobs.putCount[blobKey(model.TierHot, thumbKey)]

	deliver(t, p, q, img.ID)

	got, _ := store.Get(context.Background(), img.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if n := blobs.putCount[blobKey(model.TierHot, thumbKey)]; n != thumbWritesBefore {
		t.Errorf("completed thumbnail regenerated: %d extra writes", n-thumbWritesBefore)
	}
}

// End-to-end through the pool and the in-process queue: concurrent tasks
// all reach a terminal status.
func TestPoolDrivesConcurrentTasksToTerminal(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()

	memq := memory.New(16)
	defer memq.Close()
	p := testPool(store, blobs, memq)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	p.Run(ctx, &wg)

	const n = 5
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		img := seedImage(t, store, blobs, 320, 240)
		ids = append(ids, img.ID)
		if err := memq.Enqueue(ctx, img.ID); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	deadline := time.After(10 * time.Second)
	for {
		done := 0
		for _, id := range ids {
			img, err := store.Get(context.Background(), id)
			if err == nil && img.Status.Terminal() {
				done++
			}
		}
		if done == n {
			break
		}

		select {
		case <-deadline:
			t.Fatal("tasks did not reach terminal status in time")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	wg.Wait()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 20 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	return buf.Bytes()
}
