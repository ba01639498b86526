package worker

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"resume-analysis-pipeline/internal/analysis"
	"resume-analysis-pipeline/internal/config"
	"resume-analysis-pipeline/internal/models"
	"resume-analysis-pipeline/internal/queue"
	"resume-analysis-pipeline/internal/telemetry"
)

// Processor drives the worker loop: lease an entry, run the analysis, and
// report the outcome through the webhook. Delivery is at least once; the
// webhook side tolerates duplicates.
type Processor struct {
	cfg      config.Config
	queue    *queue.Queue
	analyzer Analyzer
	reporter Reporter
}

func NewProcessor(cfg config.Config, q *queue.Queue, analyzer Analyzer, reporter Reporter) *Processor {
	return &Processor{cfg: cfg, queue: q, analyzer: analyzer, reporter: reporter}
}

// Run polls until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if _, err := p.queue.PromoteDelayed(ctx, now, 100); err != nil {
			log.Printf("worker: promote delayed: %v", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
			log.Printf("worker: requeue expired: %v", err)
		} else if len(reclaimed) > 0 {
			log.Printf("worker: reclaimed %d expired leases", len(reclaimed))
		}
		if st, err := p.queue.Status(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(st.Waiting))
		}

		entry, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			log.Printf("worker: dequeue: %v", err)
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.process(ctx, entry)
	}
}

func (p *Processor) process(ctx context.Context, entry models.QueueEntry) {
	attempts, err := p.queue.IncrAttempts(ctx, entry.ID)
	if err != nil {
		log.Printf("worker: attempts for %s: %v", entry.ID, err)
		attempts = p.cfg.MaxAttempts
	}
	log.Printf("worker: analyzing %s kind=%s attempt=%d", entry.ID, entry.Kind, attempts)

	runErr := p.runOnce(ctx, entry)
	if runErr == nil {
		if err := p.queue.Complete(ctx, entry.ID); err != nil {
			log.Printf("worker: complete %s: %v", entry.ID, err)
		}
		telemetry.WorkerSuccess.Inc()
		return
	}
	log.Printf("worker: attempt %d for %s: %v", attempts, entry.ID, runErr)

	if attempts < p.cfg.MaxAttempts {
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
		if err := p.queue.Delay(ctx, entry.ID, time.Now().Add(backoff)); err != nil {
			log.Printf("worker: delay %s: %v", entry.ID, err)
		}
		return
	}

	// Out of attempts: report the terminal failure so the record converges,
	// then park the entry on the failed list for the admin surface.
	if err := p.reporter.Report(ctx, analysis.WebhookPayload{
		JobID:  entry.ID,
		Status: "failed",
		Error:  runErr.Error(),
	}); err != nil {
		log.Printf("worker: report failure for %s: %v", entry.ID, err)
	}
	if err := p.queue.Fail(ctx, entry.ID); err != nil {
		log.Printf("worker: fail %s: %v", entry.ID, err)
	}
	telemetry.WorkerFailures.Inc()
}

// runOnce performs one analysis attempt and delivers its callback, keeping
// the lease alive while the model call is in flight.
func (p *Processor) runOnce(ctx context.Context, entry models.QueueEntry) error {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(heartbeatCtx, entry.ID)

	result, err := p.analyzer.Analyze(ctx, entry)
	if err != nil {
		return err
	}
	return p.reporter.Report(ctx, analysis.WebhookPayload{
		JobID:  entry.ID,
		Status: "success",
		Result: result,
	})
}

// heartbeat extends the entry's lease until cancelled so slow analyses are
// not redelivered mid-flight.
func (p *Processor) heartbeat(ctx context.Context, id string) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, id, p.cfg.VisibilityTimeout); err != nil {
				log.Printf("worker: extend lease for %s: %v", id, err)
			}
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
