// Package worker drives outbox delivery: it sweeps pending entries,
// submits them to the tax authority in consecutive order per branch and
// polls submitted entries until a definitive answer arrives.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cajacentral/facturador/internal/domain"
	"github.com/cajacentral/facturador/internal/hacienda"
	"github.com/cajacentral/facturador/internal/service"
	"github.com/cajacentral/facturador/internal/telemetry"
)

// CertWatcher reports on signing certificate expiry for the
// housekeeping alert.
type CertWatcher interface {
	ExpiresWithin(now time.Time, window time.Duration) bool
	DaysUntilExpiry(now time.Time) int
}

// Config tunes the delivery worker.
type Config struct {
	// ID names this worker instance in lease ownership.
	ID string

	PollInterval      time.Duration
	BranchConcurrency int
	LeaseTTL          time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxAttempts is the ceiling after which an entry escalates to
	// needs_attention instead of retrying forever.
	MaxAttempts int

	// CertExpiryWindow controls the early-warning alert.
	CertExpiryWindow time.Duration
}

// Worker is the delivery loop. One instance is safe; multiple instances
// coordinate through per-entry leases.
type Worker struct {
	cfg       Config
	outbox    domain.OutboxStore
	documents domain.DocumentStore
	client    hacienda.Client
	tracker   *service.Tracker
	cert      CertWatcher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	now func() time.Time
}

// New creates a Worker.
func New(cfg Config, outbox domain.OutboxStore, documents domain.DocumentStore, client hacienda.Client, tracker *service.Tracker, cert CertWatcher, metrics *telemetry.Metrics, logger zerolog.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-1"
	}
	if cfg.BranchConcurrency <= 0 {
		cfg.BranchConcurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &Worker{
		cfg:       cfg,
		outbox:    outbox,
		documents: documents,
		client:    client,
		tracker:   tracker,
		cert:      cert,
		metrics:   metrics,
		logger:    logger.With().Str("component", "worker").Str("worker_id", cfg.ID).Logger(),
		now:       time.Now,
	}
}

// Run sweeps until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("branch_concurrency", w.cfg.BranchConcurrency).
		Msg("delivery worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("delivery worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one delivery pass: reclaim stale leases, then work each
// branch's head entry. Branches proceed in parallel; entries within a
// branch strictly in consecutive order.
func (w *Worker) Sweep(ctx context.Context) error {
	now := w.now()

	if n, err := w.outbox.ReclaimExpired(ctx, now); err != nil {
		w.logger.Error().Err(err).Msg("failed to reclaim expired leases")
	} else if n > 0 {
		w.logger.Warn().Int("count", n).Msg("reclaimed expired leases")
	}

	w.housekeeping(ctx, now)

	branches, err := w.outbox.ListPendingBranches(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.BranchConcurrency)
	for _, branch := range branches {
		branch := branch
		g.Go(func() error {
			if err := w.processBranch(ctx, branch); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Str("branch", branch).Msg("branch pass failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// processBranch works the branch's head entry. An ineligible or leased
// head blocks the whole branch so submission order matches numbering
// order.
func (w *Worker) processBranch(ctx context.Context, branch string) error {
	head, err := w.outbox.NextForBranch(ctx, branch)
	if err != nil {
		return err
	}
	if head == nil {
		return nil
	}

	now := w.now()
	if head.NextAttemptAt.After(now) {
		return nil
	}

	ok, err := w.outbox.Lease(ctx, head.Clave, w.cfg.ID, w.cfg.LeaseTTL)
	if err != nil || !ok {
		return err
	}
	defer func() {
		if err := w.outbox.Release(ctx, head.Clave, w.cfg.ID); err != nil {
			w.logger.Warn().Err(err).Str("clave", head.Clave).Msg("failed to release lease")
		}
	}()

	switch head.State {
	case domain.OutboxPending:
		return w.submit(ctx, head)
	case domain.OutboxSubmitted:
		return w.poll(ctx, head)
	default:
		return nil
	}
}

// submit presents a pending entry to the authority.
func (w *Worker) submit(ctx context.Context, entry *domain.OutboxEntry) error {
	doc, err := w.documents.Get(ctx, entry.Clave)
	if err != nil {
		return err
	}

	started := w.now()
	result, err := w.client.Submit(ctx, doc)
	w.metrics.DeliveryLatency.WithLabelValues(entry.Branch).Observe(w.now().Sub(started).Seconds())

	if err != nil {
		w.metrics.DeliveryAttempts.WithLabelValues(entry.Branch, "error").Inc()
		return w.recordFailure(ctx, entry, doc, err)
	}

	switch result.Outcome {
	case hacienda.OutcomeRejected:
		w.metrics.DeliveryAttempts.WithLabelValues(entry.Branch, "rejected").Inc()
		return w.closeRejected(ctx, entry, doc, result.Detail)
	default:
		w.metrics.DeliveryAttempts.WithLabelValues(entry.Branch, "received").Inc()
		nextPoll := w.now().Add(jitter(w.cfg.BackoffBase))
		if err := w.outbox.SetSubmitted(ctx, entry.Clave, result.Detail, nextPoll); err != nil {
			return err
		}
		if err := w.documents.SetState(ctx, entry.Clave, domain.StateSubmitted); err != nil {
			return err
		}
		w.tracker.Transition(ctx, doc, doc.State, domain.StateSubmitted, w.cfg.ID, result.Detail, "received by authority")
		return nil
	}
}

// poll asks the authority for the outcome of a submitted entry.
func (w *Worker) poll(ctx context.Context, entry *domain.OutboxEntry) error {
	doc, err := w.documents.Get(ctx, entry.Clave)
	if err != nil {
		return err
	}

	started := w.now()
	result, err := w.client.QueryStatus(ctx, entry.Clave)
	w.metrics.DeliveryLatency.WithLabelValues(entry.Branch).Observe(w.now().Sub(started).Seconds())

	if err != nil {
		w.metrics.DeliveryAttempts.WithLabelValues(entry.Branch, "error").Inc()
		return w.recordFailure(ctx, entry, doc, err)
	}

	switch result.Outcome {
	case hacienda.OutcomeAccepted:
		w.metrics.DeliveryAttempts.WithLabelValues(entry.Branch, "accepted").Inc()
		if err := w.outbox.MarkTerminal(ctx, entry.Clave, domain.OutboxAccepted, string(result.ResponseXML)); err != nil {
			return err
		}
		if err := w.documents.SetState(ctx, entry.Clave, domain.StateAccepted); err != nil {
			return err
		}
		w.tracker.Transition(ctx, doc, doc.State, domain.StateAccepted, w.cfg.ID, string(result.ResponseXML), "accepted by authority")
		return nil

	case hacienda.OutcomeRejected:
		w.metrics.DeliveryAttempts.WithLabelValues(entry.Branch, "rejected").Inc()
		return w.closeRejected(ctx, entry, doc, string(result.ResponseXML))

	default:
		// Still processing. Polls share the attempt ceiling so an
		// authority that never answers eventually escalates.
		w.metrics.DeliveryAttempts.WithLabelValues(entry.Branch, "pending").Inc()
		if entry.Attempts+1 >= w.cfg.MaxAttempts {
			return w.escalate(ctx, entry, doc, "authority still processing after retry ceiling")
		}
		delay := jitter(nextDelay(entry.Attempts+1, w.cfg.BackoffBase, w.cfg.BackoffMax))
		return w.outbox.MarkAttempt(ctx, entry.Clave, "", result.Detail, w.now().Add(delay))
	}
}

// recordFailure reschedules a failed attempt or escalates past the
// ceiling.
func (w *Worker) recordFailure(ctx context.Context, entry *domain.OutboxEntry, doc *domain.TaxDocument, cause error) error {
	attempt := entry.Attempts + 1
	if attempt >= w.cfg.MaxAttempts {
		return w.escalate(ctx, entry, doc, domain.ErrorMessage(cause))
	}

	delay := jitter(nextDelay(attempt, w.cfg.BackoffBase, w.cfg.BackoffMax))
	w.logger.Warn().
		Str("clave", entry.Clave).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Str("error", domain.ErrorMessage(cause)).
		Msg("delivery attempt failed")
	return w.outbox.MarkAttempt(ctx, entry.Clave, domain.ErrorCode(cause), domain.ErrorMessage(cause), w.now().Add(delay))
}

// escalate closes the entry as needs_attention and alerts.
func (w *Worker) escalate(ctx context.Context, entry *domain.OutboxEntry, doc *domain.TaxDocument, detail string) error {
	msg := fmt.Sprintf("retry ceiling reached after %d attempts: %s", entry.Attempts+1, detail)
	if err := w.outbox.MarkTerminal(ctx, entry.Clave, domain.OutboxNeedsAttention, msg); err != nil {
		return err
	}
	if err := w.documents.SetState(ctx, entry.Clave, domain.StateNeedsAttention); err != nil {
		return err
	}
	w.tracker.Transition(ctx, doc, doc.State, domain.StateNeedsAttention, w.cfg.ID, "", msg)
	w.logger.Error().
		Str("clave", entry.Clave).
		Str("branch", entry.Branch).
		Msg("document needs operator attention")
	return nil
}

// closeRejected finalizes a durable authority rejection. The document
// keeps its number; recovery is a correction document.
func (w *Worker) closeRejected(ctx context.Context, entry *domain.OutboxEntry, doc *domain.TaxDocument, response string) error {
	if err := w.outbox.MarkTerminal(ctx, entry.Clave, domain.OutboxRejected, response); err != nil {
		return err
	}
	if err := w.documents.SetState(ctx, entry.Clave, domain.StateRejected); err != nil {
		return err
	}
	w.tracker.Transition(ctx, doc, doc.State, domain.StateRejected, w.cfg.ID, response, "rejected by authority")
	w.logger.Warn().
		Str("clave", entry.Clave).
		Str("branch", entry.Branch).
		Msg("document rejected by authority")
	return nil
}

// housekeeping refreshes queue gauges and the certificate alert.
func (w *Worker) housekeeping(ctx context.Context, now time.Time) {
	if pending, err := w.outbox.ListByState(ctx, domain.OutboxPending, 10000); err == nil {
		setBranchGauge(w.metrics.PendingEntries, pending)
	}
	if attention, err := w.outbox.ListByState(ctx, domain.OutboxNeedsAttention, 10000); err == nil {
		setBranchGauge(w.metrics.NeedsAttention, attention)
	}

	if w.cert != nil {
		w.metrics.CertDaysToExpiry.Set(float64(w.cert.DaysUntilExpiry(now)))
		if w.cfg.CertExpiryWindow > 0 && w.cert.ExpiresWithin(now, w.cfg.CertExpiryWindow) {
			w.logger.Warn().
				Int("days_left", w.cert.DaysUntilExpiry(now)).
				Msg("signing certificate expires soon")
		}
	}
}

func setBranchGauge(gauge *prometheus.GaugeVec, entries []domain.OutboxEntry) {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Branch]++
	}
	gauge.Reset()
	for branch, n := range counts {
		gauge.WithLabelValues(branch).Set(float64(n))
	}
}
