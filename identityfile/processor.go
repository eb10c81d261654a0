package identityfile

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/weft-project/weft/bgjob"
	"github.com/weft-project/weft/errors"
)

// Handler processes one identity file. The context is cancelled when the
// processor is stopping; handlers should observe it during long work.
type Handler func(ctx context.Context, f *IdentityFile) error

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// Delay is the aggregation delay between an enqueue and the drain it
	// triggers; bursts of downloads coalesce into a single drain.
	Delay time.Duration

	// MaxFilesPerMinute rate-limits the drain. Zero or negative means
	// unlimited.
	MaxFilesPerMinute int
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Delay:             5 * time.Second,
		MaxFilesPerMinute: 0,
	}
}

// Processor drains a DiskQueue through a handler. Every enqueue triggers a
// delay-coalescing background job, so a burst of downloaded files causes a
// single drain after the aggregation delay rather than one pass per file.
// At most one drain runs at a time.
type Processor struct {
	queue   *DiskQueue
	handler Handler
	store   *Store // optional processed-file log
	limiter *rate.Limiter
	job     *bgjob.Job
	log     *zap.SugaredLogger
}

// NewProcessor wires a queue to a handler. store may be nil to skip the
// processed-file log. The processor registers itself as the queue's
// enqueue listener.
func NewProcessor(queue *DiskQueue, handler Handler, store *Store, cfg ProcessorConfig, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	limit := rate.Inf
	if cfg.MaxFilesPerMinute > 0 {
		limit = rate.Limit(float64(cfg.MaxFilesPerMinute) / 60.0)
	}

	p := &Processor{
		queue:   queue,
		handler: handler,
		store:   store,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.Named("processor"),
	}
	p.job = bgjob.New(p.drain, "identity-file-processor", cfg.Delay,
		bgjob.NewTimerScheduler(), bgjob.NewGoExecutor(), log)

	queue.OnEnqueue(p.job.Trigger)
	return p
}

// Trigger requests a drain after the configured aggregation delay.
func (p *Processor) Trigger() {
	p.job.Trigger()
}

// TriggerNow requests a drain as soon as possible, pre-empting any pending
// aggregation delay.
func (p *Processor) TriggerNow() {
	p.job.TriggerAfter(0)
}

// State exposes the underlying job state, mainly for diagnostics and tests.
func (p *Processor) State() bgjob.State {
	return p.job.State()
}

// Stop terminates the processor and waits up to timeout for an in-flight
// drain to finish. It reports whether termination completed in time.
// Files checked out when the drain is interrupted are released back into
// the queue.
func (p *Processor) Stop(timeout time.Duration) bool {
	p.job.Terminate()
	stopped := p.job.WaitForTermination(timeout)
	if !stopped {
		p.log.Warnw("Processor did not stop in time", "timeout", timeout)
	}
	return stopped
}

// drain is the job's task body: it processes pending files until the queue
// is empty or the context is cancelled.
func (p *Processor) drain(ctx context.Context) {
	processed := 0
	start := time.Now()

	for {
		if ctx.Err() != nil {
			break
		}

		polled, err := p.queue.Poll()
		if errors.Is(err, errors.ErrQueueEmpty) {
			break
		}
		if err != nil {
			p.log.Errorw("Failed to poll queue", "error", err)
			break
		}

		if err := p.limiter.Wait(ctx); err != nil {
			// Stopping; put the file back for the next run.
			if relErr := polled.Release(); relErr != nil {
				p.log.Errorw("Failed to release identity file", "error", relErr)
			}
			break
		}

		p.processOne(ctx, polled)
		processed++
	}

	if processed > 0 {
		p.log.Infow("Drain complete",
			"processed", processed,
			"duration", time.Since(start).Round(time.Millisecond),
			"remaining", p.queue.Len())
	}
}

// processOne runs the handler for a single checked-out file and records
// the outcome.
func (p *Processor) processOne(ctx context.Context, polled *PolledFile) {
	f := polled.File
	start := time.Now()
	err := p.handler(ctx, f)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil && ctx.Err() != nil {
		// The processor is stopping, not rejecting the file. Put it back
		// for the next run instead of parking it in failed.
		p.log.Debugw("Releasing identity file interrupted by shutdown",
			"source_uri", f.SourceURI)
		if relErr := polled.Release(); relErr != nil {
			p.log.Errorw("Failed to release identity file", "error", relErr)
		}
		return
	}

	rec := &ProcessedRecord{
		SourceURI:  f.SourceURI,
		Checksum:   ChecksumString(f.Checksum()),
		Status:     StatusProcessed,
		DurationMs: durationMs,
	}

	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		p.log.Warnw("Identity file processing failed",
			"source_uri", f.SourceURI,
			"duration_ms", durationMs,
			"error", err)
		if mvErr := polled.Fail(); mvErr != nil {
			p.log.Errorw("Failed to park identity file", "error", mvErr)
		}
	} else {
		p.log.Debugw("Identity file processed",
			"source_uri", f.SourceURI,
			"duration_ms", durationMs)
		if rmErr := polled.Done(); rmErr != nil {
			p.log.Errorw("Failed to remove processed identity file", "error", rmErr)
		}
	}

	if p.store != nil {
		if dbErr := p.store.RecordProcessed(rec); dbErr != nil {
			// The log is best effort; processing already succeeded or
			// failed on its own terms.
			p.log.Warnw("Failed to record processed identity file", "error", dbErr)
		}
	}
}
