// Package worker consumes "process image" tasks and drives each image
// through the processing state machine: extract metadata, generate every
// configured variant, route the artifacts to their tiers, and record the
// outcome under optimistic versioning.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/gophoto/photoflow/internal/metadata"
	"github.com/gophoto/photoflow/internal/model"
	"github.com/gophoto/photoflow/internal/queue"
	"github.com/gophoto/photoflow/internal/storage/tier"
	"github.com/gophoto/photoflow/internal/variant"
)

// stateStore is the slice of the repository the worker needs.
type stateStore interface {
	Get(ctx context.Context, id uuid.UUID) (model.Image, error)
	Update(ctx context.Context, img *model.Image) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// blobStore is the slice of the tier router the worker needs.
type blobStore interface {
	Put(ctx context.Context, t model.Tier, key string, data []byte, contentType string) (model.BlobRef, error)
	Load(ctx context.Context, ref model.BlobRef) (io.ReadCloser, error)
	Exists(ctx context.Context, ref model.BlobRef) (bool, error)
}

// generator produces one variant artifact from original bytes.
type generator interface {
	Generate(original []byte, spec model.VariantSpec) (variant.Result, error)
}

// Config tunes the pool.
type Config struct {
	Workers             int
	MaxTaskAttempts     int
	RequeueDelay        time.Duration
	RequeueBackoff      float64
	TaskTimeout         time.Duration
	MaxParallelVariants int
}

// Pool is a fixed-size set of workers pulling from one task queue.
type Pool struct {
	cfg    Config
	queue  queue.Queue
	store  stateStore
	blobs  blobStore
	engine generator
	specs  []model.VariantSpec
}

// NewPool wires a worker pool. specs is the closed configured variant set;
// every image's variants map carries exactly these keys.
func NewPool(cfg Config, q queue.Queue, store stateStore, blobs blobStore, engine generator, specs []model.VariantSpec) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxParallelVariants <= 0 {
		cfg.MaxParallelVariants = 1
	}
	if cfg.MaxTaskAttempts <= 0 {
		cfg.MaxTaskAttempts = 1
	}

	return &Pool{
		cfg:    cfg,
		queue:  q,
		store:  store,
		blobs:  blobs,
		engine: engine,
		specs:  specs,
	}
}

// Run starts the workers and blocks them on the queue until ctx is done.
func (p *Pool) Run(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
}

func (p *Pool) loop(ctx context.Context, n int) {
	log := zlog.Logger.With().Int("worker", n).Logger()
	log.Info().Msg("worker started")

	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("shutdown signal received, stopping worker")
				return
			}
			log.Err(err).Msg("failed to dequeue task")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		p.handle(ctx, task)
	}
}

// handle runs one delivery of a task under the task timeout and settles the
// delivery with the queue according to the outcome.
func (p *Pool) handle(ctx context.Context, task queue.Task) {
	log := zlog.Logger.With().
		Str("image_id", task.ImageID.String()).
		Int("attempt", task.Attempt).
		Logger()

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	err := p.process(taskCtx, task)
	cancel()

	// A timeout is indistinguishable from any other transient blip: same
	// requeue, same budget.
	if errors.Is(err, context.DeadlineExceeded) {
		err = model.Transient(err)
	}

	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, task); ackErr != nil {
			log.Err(ackErr).Msg("failed to ack task")
		}

	case errors.Is(err, model.ErrImageNotFound), errors.Is(err, model.ErrVersionConflict):
		// Deleted mid-task. Expected, not exceptional.
		log.Info().Msg("image record gone, aborting task")
		if ackErr := p.queue.Ack(ctx, task); ackErr != nil {
			log.Err(ackErr).Msg("failed to ack task")
		}

	case model.IsTransient(err) && task.Attempt < p.cfg.MaxTaskAttempts:
		delay := p.requeueDelay(task.Attempt)
		log.Warn().Err(err).Dur("delay", delay).Msg("transient failure, requeueing")
		p.markRetrying(ctx, task.ImageID)
		if reqErr := p.queue.Requeue(ctx, task, delay); reqErr != nil {
			log.Err(reqErr).Msg("failed to requeue task")
		}

	default:
		// Permanent failure, or the transient budget is exhausted.
		log.Error().Err(err).Msg("processing failed")
		p.markFailed(ctx, task.ImageID, err)
		if ackErr := p.queue.Ack(ctx, task); ackErr != nil {
			log.Err(ackErr).Msg("failed to ack task")
		}
	}
}

// process is one attempt at the full variant set. It returns nil when the
// image reached completed (or was already terminal), a transient or
// permanent error otherwise, or ErrImageNotFound/ErrVersionConflict when the
// record vanished.
func (p *Pool) process(ctx context.Context, task queue.Task) error {
	img, err := p.store.Get(ctx, task.ImageID)
	if err != nil {
		return storeErr(err)
	}

	// Redelivery of an already-settled task. Idempotence: nothing to do.
	if img.Status.Terminal() {
		return nil
	}

	img, err = p.begin(ctx, img)
	if err != nil {
		return err
	}

	original, err := p.loadOriginal(ctx, img)
	if err != nil {
		return err
	}

	// Extract metadata once; redeliveries after a crash skip this.
	if img.Width == nil || img.Height == nil {
		info, err := metadata.Extract(original, img.ContentType)
		if err != nil {
			return err
		}

		img.Width, img.Height = &info.Width, &info.Height
		img.ContentType = "image/" + info.Format
		if err := p.store.Update(ctx, &img); err != nil {
			return storeErr(err)
		}
	}

	outcomes := p.generateAll(ctx, img, original)

	// Fold the per-variant outcomes back into a fresh read of the record so
	// a concurrent deletion surfaces as a version conflict, not a ghost row.
	img, err = p.store.Get(ctx, task.ImageID)
	if err != nil {
		return storeErr(err)
	}

	var transient error
	for name, out := range outcomes {
		if out.err != nil && model.IsTransient(out.err) {
			// Leave the record pending so the retry regenerates it.
			if transient == nil {
				transient = out.err
			}
			continue
		}
		img.Variants[name] = out.record
	}

	if err := p.store.Update(ctx, &img); err != nil {
		return storeErr(err)
	}

	if transient != nil {
		return transient
	}

	return p.finish(ctx, img)
}

// begin moves the image into processing. Tasks redelivered after a crash
// find the record already in processing and continue without a transition.
func (p *Pool) begin(ctx context.Context, img model.Image) (model.Image, error) {
	if img.Status == model.StatusProcessing {
		return img, nil
	}

	next, err := img.Status.Transition(model.StatusProcessing)
	if err != nil {
		return img, model.Permanent(err)
	}
	img.Status = next

	if img.ProcessingStartedAt == nil {
		now := time.Now().UTC()
		img.ProcessingStartedAt = &now
	}

	if err := p.store.Update(ctx, &img); err != nil {
		return img, storeErr(err)
	}

	return img, nil
}

func (p *Pool) loadOriginal(ctx context.Context, img model.Image) ([]byte, error) {
	rc, err := p.blobs.Load(ctx, img.Original)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, model.Transient(fmt.Errorf("read original %s: %w", img.Original.Key, err))
	}

	return data, nil
}

type outcome struct {
	record model.VariantRecord
	err    error
}

// generateAll runs the independent variant generations, at most
// MaxParallelVariants at a time to cap peak memory on large sources. One
// variant failing never aborts the others.
func (p *Pool) generateAll(ctx context.Context, img model.Image, original []byte) map[string]outcome {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, p.cfg.MaxParallelVariants)
		outcomes = make(map[string]outcome, len(p.specs))
	)

	for _, spec := range p.specs {
		rec, ok := img.Variants[spec.Name]
		if !ok {
			rec = model.VariantRecord{Status: model.VariantPending}
		}

		wg.Add(1)
		go func(spec model.VariantSpec, rec model.VariantRecord) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			res := p.generateOne(ctx, img, original, spec, rec)

			mu.Lock()
			outcomes[spec.Name] = res
			mu.Unlock()
		}(spec, rec)
	}

	wg.Wait()

	return outcomes
}

// generateOne produces and stores a single variant. Before touching storage
// it re-checks that the image record still exists: a deletion mid-task must
// not leave fresh writes behind.
func (p *Pool) generateOne(ctx context.Context, img model.Image, original []byte, spec model.VariantSpec, rec model.VariantRecord) outcome {
	// Idempotence on redelivery: skip a variant already completed whose
	// blob still resolves.
	if rec.Status == model.VariantCompleted && !rec.BlobRef.Zero() {
		ok, err := p.blobs.Exists(ctx, rec.BlobRef)
		if err != nil {
			return outcome{record: rec, err: err}
		}
		if ok {
			return outcome{record: rec}
		}
	}

	res, err := p.engine.Generate(original, spec)
	if err != nil {
		if model.IsTransient(err) {
			return outcome{record: rec, err: err}
		}
		// Recorded against this variant only.
		return outcome{
			record: model.VariantRecord{
				Status: model.VariantFailed,
				Error:  err.Error(),
			},
			err: err,
		}
	}

	exists, err := p.store.Exists(ctx, img.ID)
	if err != nil {
		return outcome{record: rec, err: model.Transient(err)}
	}
	if !exists {
		return outcome{record: rec, err: model.ErrImageNotFound}
	}

	key := tier.VariantKey(img.GalleryID.String(), img.ID.String(), spec.Name, spec.Format)
	ref, err := p.blobs.Put(ctx, spec.Tier, key, res.Data, res.ContentType)
	if err != nil {
		return outcome{record: rec, err: err}
	}

	now := time.Now().UTC()

	return outcome{record: model.VariantRecord{
		Status:      model.VariantCompleted,
		BlobRef:     ref,
		CompletedAt: &now,
	}}
}

// finish settles the image at a terminal status once no variant is left
// pending. completed requires every variant completed; any failed variant
// fails the image with the per-variant errors aggregated.
func (p *Pool) finish(ctx context.Context, img model.Image) error {
	if img.AllVariantsCompleted() {
		next, err := img.Status.Transition(model.StatusCompleted)
		if err != nil {
			return model.Permanent(err)
		}
		img.Status = next

		now := time.Now().UTC()
		img.ProcessingCompletedAt = &now
		img.ProcessingErrors = ""

		return storeErr(p.store.Update(ctx, &img))
	}

	return model.Permanent(fmt.Errorf("variants failed: %s", aggregateErrors(img)))
}

// markRetrying writes the retrying status proactively so pollers see the
// truth between the transient failure and the redelivery.
func (p *Pool) markRetrying(ctx context.Context, id uuid.UUID) {
	img, err := p.store.Get(ctx, id)
	if err != nil {
		return
	}

	next, err := img.Status.Transition(model.StatusRetrying)
	if err != nil {
		return
	}
	img.Status = next

	if err := p.store.Update(ctx, &img); err != nil {
		zlog.Logger.Err(err).Str("image_id", id.String()).Msg("failed to mark image retrying")
	}
}

// markFailed settles the image at failed: every variant still pending gets a
// failed record carrying the cause, so no record is ever stuck pending under
// a failed image.
func (p *Pool) markFailed(ctx context.Context, id uuid.UUID, cause error) {
	img, err := p.store.Get(ctx, id)
	if err != nil {
		return
	}
	if img.Status.Terminal() {
		return
	}

	// The record may still be at pending or retrying when the budget runs
	// out, for example when the final attempt's first store write blipped.
	// Neither status has a direct edge to failed, so step through processing
	// first; otherwise the task would be consumed with the image wedged
	// non-terminal.
	if !img.Status.CanTransition(model.StatusFailed) {
		step, err := img.Status.Transition(model.StatusProcessing)
		if err != nil {
			zlog.Logger.Err(err).Str("image_id", id.String()).Msg("cannot settle image at failed")
			return
		}
		img.Status = step

		if err := p.store.Update(ctx, &img); err != nil {
			if errors.Is(err, model.ErrImageNotFound) || errors.Is(err, model.ErrVersionConflict) {
				return
			}
			zlog.Logger.Err(err).Str("image_id", id.String()).Msg("failed to mark image failed")
			return
		}
	}

	for name, rec := range img.Variants {
		if rec.Status == model.VariantPending {
			rec.Status = model.VariantFailed
			rec.Error = cause.Error()
			img.Variants[name] = rec
		}
	}

	next, err := img.Status.Transition(model.StatusFailed)
	if err != nil {
		zlog.Logger.Err(err).Str("image_id", id.String()).Msg("cannot settle image at failed")
		return
	}
	img.Status = next

	now := time.Now().UTC()
	img.ProcessingCompletedAt = &now
	img.ProcessingErrors = aggregateErrors(img)

	if err := p.store.Update(ctx, &img); err != nil {
		if errors.Is(err, model.ErrImageNotFound) || errors.Is(err, model.ErrVersionConflict) {
			return
		}
		zlog.Logger.Err(err).Str("image_id", id.String()).Msg("failed to mark image failed")
	}
}

// storeErr classifies a state-store failure: a gone record and a version
// conflict pass through as abort signals, anything else is a blip worth
// retrying.
func storeErr(err error) error {
	if err == nil || errors.Is(err, model.ErrImageNotFound) || errors.Is(err, model.ErrVersionConflict) {
		return err
	}
	return model.Transient(err)
}

// requeueDelay grows exponentially with the attempt number.
func (p *Pool) requeueDelay(attempt int) time.Duration {
	delay := float64(p.cfg.RequeueDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.cfg.RequeueBackoff
	}
	return time.Duration(delay)
}

func aggregateErrors(img model.Image) string {
	names := make([]string, 0, len(img.Variants))
	for name := range img.Variants {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		if rec := img.Variants[name]; rec.Status == model.VariantFailed && rec.Error != "" {
			parts = append(parts, name+": "+rec.Error)
		}
	}

	return strings.Join(parts, "; ")
}
