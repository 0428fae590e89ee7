package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
	"github.com/Marketen/participation-indexer/internal/logger"
	"github.com/Marketen/participation-indexer/internal/retry"
)

// upsertBatchSize bounds the rows sent to the store per call.
const upsertBatchSize = 1000

// BackfillDriver imports chain data epoch by epoch. It keeps the committee map of the
// previous epoch between passes, so a driver must not be shared between goroutines.
type BackfillDriver struct {
	BeaconAdapter ports.BeaconChainAdapter
	Store         ports.Store
	Resolver      *CommitteeResolver
	PollInterval  time.Duration
	Retry         retry.Config

	previous      domain.EpochCommittees
	previousEpoch domain.Epoch
	hasPrevious   bool
}

// NewBackfillDriver constructs a BackfillDriver with dependencies injected.
func NewBackfillDriver(
	beacon ports.BeaconChainAdapter,
	store ports.Store,
	resolver *CommitteeResolver,
	pollInterval time.Duration,
) *BackfillDriver {
	retryConf := retry.DefaultConfig()
	retryConf.Retryable = retry.Transient
	return &BackfillDriver{
		BeaconAdapter: beacon,
		Store:         store,
		Resolver:      resolver,
		PollInterval:  pollInterval,
		Retry:         retryConf,
	}
}

// Run processes epochs from `from` (0 when nil). With max set it stops after max;
// otherwise it catches up to the current justified epoch and then follows the chain,
// re-reading the justified checkpoint every PollInterval. A cancelled context ends the
// follow loop without error.
func (d *BackfillDriver) Run(ctx context.Context, from, max *domain.Epoch) error {
	next := domain.Epoch(0)
	if from != nil {
		next = *from
	}

	if max != nil {
		logger.Info("Backfilling epochs %d..%d", next, *max)
		_, err := d.runRange(ctx, next, *max)
		return err
	}

	var justified domain.Epoch
	err := retry.WithBackoff(ctx, d.Retry, "Fetching justified checkpoint", func() error {
		var err error
		justified, err = d.justifiedEpoch(ctx)
		return err
	})
	if err != nil {
		return err
	}

	logger.Info("Backfilling epochs %d..%d, then following justified checkpoints", next, justified)
	if next, err = d.runRange(ctx, next, justified); err != nil {
		return err
	}

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			justified, err := d.justifiedEpoch(ctx)
			if err != nil {
				logger.Error("Error fetching justified checkpoint: %v", err)
				continue
			}
			if justified < next {
				logger.Debug("Justified epoch %d already processed, waiting.", justified)
				continue
			}
			logger.Info("New justified epoch %d detected.", justified)
			if next, err = d.runRange(ctx, next, justified); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// runRange processes first..=last and returns the epoch to process next.
func (d *BackfillDriver) runRange(ctx context.Context, first, last domain.Epoch) (domain.Epoch, error) {
	for epoch := first; epoch <= last; epoch++ {
		if err := ctx.Err(); err != nil {
			return epoch, err
		}
		if err := d.RunEpoch(ctx, epoch); err != nil {
			return epoch, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if epoch == last {
			break
		}
	}
	if last < first {
		return first, nil
	}
	return last + 1, nil
}

func (d *BackfillDriver) justifiedEpoch(ctx context.Context) (domain.Epoch, error) {
	cp, err := d.BeaconAdapter.FinalityCheckpoints(ctx, domain.Head)
	if err != nil {
		return 0, err
	}
	return cp.CurrentJustified.Epoch, nil
}

// RunEpoch imports one epoch. Every step is idempotent, so an epoch may be re-run
// after a failure or restart.
func (d *BackfillDriver) RunEpoch(ctx context.Context, epoch domain.Epoch) error {
	start := time.Now()

	if err := d.snapshotValidators(ctx); err != nil {
		return err
	}
	if err := d.ensureEpoch(ctx, epoch); err != nil {
		return err
	}
	if epoch > 0 {
		if err := d.ensureEpoch(ctx, epoch-1); err != nil {
			return err
		}
	}

	current, err := d.importCommittees(ctx, epoch)
	if err != nil {
		return err
	}
	previous, err := d.previousCommittees(ctx, epoch)
	if err != nil {
		return err
	}

	written := 0
	for slot := epoch.StartSlot(); slot <= epoch.EndSlot(); slot++ {
		n, err := d.processSlot(ctx, epoch, slot, current, previous)
		if err != nil {
			return fmt.Errorf("slot %d: %w", slot, err)
		}
		written += n
	}

	d.previous, d.previousEpoch, d.hasPrevious = current, epoch, true

	epochsProcessed.Inc()
	lastProcessedEpoch.Set(float64(epoch))
	logger.Info("Epoch %d processed: %d committees, %d attestation records (%s)",
		epoch, len(current), written, time.Since(start).Round(time.Millisecond))
	return nil
}

func (d *BackfillDriver) snapshotValidators(ctx context.Context) error {
	snapshots, err := d.BeaconAdapter.ValidatorsForState(ctx, domain.Head, nil, nil)
	if err != nil {
		return fmt.Errorf("fetch validators: %w", err)
	}
	validators := make([]domain.Validator, 0, len(snapshots))
	for _, s := range snapshots {
		validators = append(validators, s.Validator())
	}
	for _, batch := range chunk(validators, upsertBatchSize) {
		if err := d.Store.Validators.UpsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("store validators: %w", err)
		}
	}
	logger.Debug("Upserted %d validators", len(validators))
	return nil
}

func (d *BackfillDriver) ensureEpoch(ctx context.Context, epoch domain.Epoch) error {
	_, err := d.Store.Epochs.Get(ctx, epoch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	active, err := d.Store.Validators.ActiveCount(ctx, epoch)
	if err != nil {
		return err
	}
	total, err := d.Store.Validators.TotalCount(ctx, epoch)
	if err != nil {
		return err
	}
	return d.Store.Epochs.Create(ctx, epoch, active, total)
}

func (d *BackfillDriver) importCommittees(ctx context.Context, epoch domain.Epoch) (domain.EpochCommittees, error) {
	committees, err := d.BeaconAdapter.CommitteesForState(ctx, domain.AtSlot(epoch.StartSlot()), ports.CommitteeFilter{
		Epoch: &epoch,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch committees for epoch %d: %w", epoch, err)
	}
	for _, batch := range chunk(committees, upsertBatchSize) {
		if err := d.Store.Committees.UpsertBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("store committees for epoch %d: %w", epoch, err)
		}
	}
	return domain.NewEpochCommittees(committees), nil
}

// previousCommittees returns the committee map of epoch-1, importing it when the
// driver did not process that epoch itself.
func (d *BackfillDriver) previousCommittees(ctx context.Context, epoch domain.Epoch) (domain.EpochCommittees, error) {
	if epoch == 0 {
		return domain.EpochCommittees{}, nil
	}
	if d.hasPrevious && d.previousEpoch == epoch-1 {
		return d.previous, nil
	}
	logger.Debug("No committees retained for epoch %d, importing them", epoch-1)
	return d.importCommittees(ctx, epoch-1)
}

// processSlot records the proposer and the attestations of one slot of the epoch and
// returns the number of attestation records written.
func (d *BackfillDriver) processSlot(
	ctx context.Context,
	epoch domain.Epoch,
	slot domain.Slot,
	current, previous domain.EpochCommittees,
) (int, error) {
	header, err := d.BeaconAdapter.HeaderForBlock(ctx, domain.AtSlot(slot))
	switch {
	case err == nil:
		if err := d.Store.Proposers.Create(ctx, slot, header.ProposerIndex); err != nil {
			return 0, err
		}
		proposersWritten.Inc()
	case errors.Is(err, domain.ErrNotFound):
		logger.Debug("No block header at slot %d. Was this slot missed?", slot)
	default:
		return 0, err
	}

	atts, err := d.BeaconAdapter.AttestationsForBlock(ctx, domain.AtSlot(slot))
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var records []domain.AttestationRecord
	for _, att := range atts {
		committees, err := d.committeesFor(ctx, epoch, att, current, previous)
		if err != nil {
			return 0, err
		}
		attendance, err := DecodeAggregate(att.AggregationBits, committees)
		if err != nil {
			return 0, fmt.Errorf("attestation for slot %d: %w", att.Slot, err)
		}
		records = append(records, AttestationRecords(att, attendance)...)
	}

	records = DedupRecords(records)
	for _, batch := range chunk(records, upsertBatchSize) {
		if err := d.Store.Attestations.UpsertBatch(ctx, batch); err != nil {
			return 0, err
		}
	}
	attestationRecordsWritten.WithLabelValues(sourceBackfill).Add(float64(len(records)))
	return len(records), nil
}

// committeesFor picks the committees an attestation's bits refer to. Attestations
// targeting the previous epoch use the previous committee map only; the rest use the
// current map and fall back to the resolver.
func (d *BackfillDriver) committeesFor(
	ctx context.Context,
	epoch domain.Epoch,
	att domain.Attestation,
	current, previous domain.EpochCommittees,
) ([]domain.Committee, error) {
	indices := att.Committees()
	out := make([]domain.Committee, 0, len(indices))

	if att.TargetEpoch < epoch {
		if att.TargetEpoch+1 < epoch {
			return nil, fmt.Errorf("%w: attestation for slot %d targets epoch %d while processing epoch %d",
				domain.ErrConsistency, att.Slot, att.TargetEpoch, epoch)
		}
		for _, idx := range indices {
			c, ok := previous[domain.CommitteeKey{Slot: att.Slot, Index: idx}]
			if !ok {
				return nil, fmt.Errorf("%w: no committee slot %d index %d in epoch %d",
					domain.ErrConsistency, att.Slot, idx, att.TargetEpoch)
			}
			out = append(out, c)
		}
		return out, nil
	}

	for _, idx := range indices {
		c, ok := current[domain.CommitteeKey{Slot: att.Slot, Index: idx}]
		if !ok {
			var err error
			c, err = d.Resolver.Resolve(ctx, att.Slot, idx)
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: %v", domain.ErrConsistency, err)
			}
			if err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
