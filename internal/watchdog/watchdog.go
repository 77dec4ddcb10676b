// Package watchdog drives the perimetra-core monitoring loop. It applies
// registry snapshots, sweeps boundary integrity after every change, and
// tails the persisted crossing store so lifecycle outcomes recorded by other
// processes still land in metrics and the trust ledger.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perimetra/perimetra-oss/pkg/crossing"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/registry"
	"github.com/perimetra/perimetra-oss/pkg/storage"
	"github.com/perimetra/perimetra-oss/pkg/telemetry"
	"github.com/perimetra/perimetra-oss/pkg/trust"
	"github.com/perimetra/perimetra-oss/pkg/verify"
)

// DefaultInterval is how often the crossing store is re-read when no
// registry change forces a pass.
const DefaultInterval = 30 * time.Second

// Config holds dependencies for creating a Watchdog.
type Config struct {
	Verifier *verify.Verifier
	Metrics  *telemetry.Metrics

	// Ledger accumulates trust decay replayed from observed crossings.
	// Optional; nil skips trust tracking.
	Ledger *trust.Ledger

	// CrossingsPath points at the sealed crossing store, typically written
	// by the CLI. Empty disables crossing observation.
	CrossingsPath string
	TrustMedium   bool
	Sealer        domain.SealService

	Decay    crossing.Config
	Interval time.Duration
	Logger   *slog.Logger
}

// Watchdog owns the daemon's periodic work. It keeps per-request marks so a
// crossing observed across several passes is counted once per state it
// reaches, and decay is replayed once per terminal record.
type Watchdog struct {
	verifier *verify.Verifier
	metrics  *telemetry.Metrics
	ledger   *trust.Ledger

	crossingsPath string
	trustMedium   bool
	sealer        domain.SealService
	decay         crossing.Config
	interval      time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	boundaries []*domain.Boundary
	seen       map[string]crossingMark
}

type crossingMark struct {
	status  domain.CrossingStatus
	results int
	decayed bool
}

// New creates a watchdog with the given dependencies.
func New(cfg Config) (*Watchdog, error) {
	if cfg.Verifier == nil || cfg.Metrics == nil {
		return nil, fmt.Errorf("%w: verifier and metrics are required", domain.ErrValidation)
	}
	if cfg.CrossingsPath != "" && cfg.Sealer == nil {
		return nil, fmt.Errorf("%w: crossing observation requires a seal service", domain.ErrValidation)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Watchdog{
		verifier:      cfg.Verifier,
		metrics:       cfg.Metrics,
		ledger:        cfg.Ledger,
		crossingsPath: cfg.CrossingsPath,
		trustMedium:   cfg.TrustMedium,
		sealer:        cfg.Sealer,
		decay:         cfg.Decay,
		interval:      interval,
		logger:        logger,
		seen:          make(map[string]crossingMark),
	}, nil
}

// Run consumes registry snapshots and re-observes the crossing store on a
// timer until the context is cancelled. A closed snapshot channel stops
// registry handling but keeps the timer running.
func (w *Watchdog) Run(ctx context.Context, snapshots <-chan registry.Snapshot) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			w.ApplySnapshot(ctx, snapshot)
		case <-ticker.C:
			w.ObserveCrossings(ctx)
		}
	}
}

// ApplySnapshot records the new boundary set and runs a full pass over it.
// Every registry change re-baselines integrity, so the sweep runs here
// rather than on the timer, keeping the verification store's growth bound
// to actual changes.
func (w *Watchdog) ApplySnapshot(ctx context.Context, snapshot registry.Snapshot) {
	w.mu.Lock()
	w.boundaries = snapshot.Boundaries
	w.mu.Unlock()

	w.metrics.SetBoundariesRegistered(len(snapshot.Boundaries))
	w.metrics.RecordRegistryReload("success")
	w.logger.Info("Registry snapshot applied",
		"generation", snapshot.Generation,
		"boundaries", len(snapshot.Boundaries),
	)

	w.SweepIntegrity(ctx)
	w.ObserveCrossings(ctx)
}

// SweepIntegrity runs a comprehensive verification over every boundary in
// the last applied snapshot and records the verdicts.
func (w *Watchdog) SweepIntegrity(ctx context.Context) {
	w.mu.Lock()
	boundaries := w.boundaries
	w.mu.Unlock()

	for _, boundary := range boundaries {
		started := time.Now()
		record, err := w.verifier.Verify(ctx, boundary.ID, domain.VerificationComprehensive)
		if err != nil {
			w.logger.Error("Integrity verification failed", "boundary_id", boundary.ID, "error", err)
			continue
		}

		w.metrics.RecordVerification(boundary.ID, record.Kind, record.Status, record.Confidence, time.Since(started))
		for _, violation := range record.Violations {
			w.metrics.RecordViolation(boundary.ID, violation.Kind, violation.Severity)
		}

		if record.Status != domain.IntegrityIntact {
			w.logger.Warn("Boundary integrity degraded",
				"boundary_id", boundary.ID,
				"status", string(record.Status),
				"confidence", record.Confidence,
				"violations", len(record.Violations),
			)
		}
	}
}

// ObserveCrossings re-reads the crossing store and folds every state not
// seen before into metrics and the trust ledger. Reopening per pass picks
// up writes from other processes, and the store verifies its seal on load,
// so tampering with the medium surfaces here as an error.
func (w *Watchdog) ObserveCrossings(ctx context.Context) {
	if w.crossingsPath == "" {
		return
	}

	store, err := storage.NewFileCrossingStore(storage.FileConfig{
		Path:        w.crossingsPath,
		TrustMedium: w.trustMedium,
	}, w.sealer)
	if err != nil {
		w.logger.Error("Crossing store rejected", "path", w.crossingsPath, "error", err)
		return
	}

	records, err := store.List(ctx, storage.CrossingFilter{})
	if err != nil {
		w.logger.Error("Listing crossings failed", "path", w.crossingsPath, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, record := range records {
		w.observeLocked(record)
	}
}

func (w *Watchdog) observeLocked(record *domain.CrossingRequest) {
	mark, known := w.seen[record.ID]
	if known && mark.status == record.Status && mark.results == len(record.ControlResults) {
		return
	}

	if !known || mark.status != record.Status {
		var duration time.Duration
		if record.Status.Terminal() {
			duration = record.UpdatedAt.Sub(record.CreatedAt)
		}
		w.metrics.RecordCrossing(record.TargetBoundaryID, record.Kind, record.Status, duration)
	}

	// The store is append-only, but guard against an operator replacing the
	// document with a shorter history.
	consumed := mark.results
	if consumed > len(record.ControlResults) {
		consumed = 0
	}
	for _, result := range record.ControlResults[consumed:] {
		if result.Status == domain.ControlIneffective {
			w.metrics.RecordControlFailure(record.TargetBoundaryID, result.ControlID)
		}
	}

	decayed := mark.decayed
	if !decayed && record.Status.Terminal() {
		if w.ledger != nil {
			for _, event := range crossing.ImpliedDecay(record, w.decay) {
				w.ledger.RecordDecay(event)
				w.metrics.RecordTrustDecay(event.EntityID, event.Reason, w.ledger.Score(event.EntityID))
			}
		}
		decayed = true
	}

	w.seen[record.ID] = crossingMark{
		status:  record.Status,
		results: len(record.ControlResults),
		decayed: decayed,
	}
}
