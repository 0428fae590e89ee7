package services

import (
	"context"
	"fmt"
	"runtime"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
	"github.com/Marketen/participation-indexer/internal/logger"
)

const defaultLiveQueueSize = 4096

// LiveStats is a point-in-time copy of the live loop counters.
type LiveStats struct {
	Received     int64
	Processed    int64
	Failed       int64
	StreamErrors int64
}

// LiveIngester records attestations from the beacon node event stream as they arrive.
// Each attestation is handled by its own task on a bounded worker pool; a failed task
// is logged and counted and never stops the loop.
type LiveIngester struct {
	BeaconAdapter ports.BeaconChainAdapter
	Attestations  ports.AttestationRepository
	Resolver      *CommitteeResolver
	Workers       int
	QueueSize     int

	received     *xsync.Counter
	processed    *xsync.Counter
	failed       *xsync.Counter
	streamErrors *xsync.Counter
}

// NewLiveIngester constructs a LiveIngester. workers <= 0 picks a size from the CPU
// count, queueSize <= 0 uses the default queue.
func NewLiveIngester(
	beacon ports.BeaconChainAdapter,
	attestations ports.AttestationRepository,
	resolver *CommitteeResolver,
	workers, queueSize int,
) *LiveIngester {
	if queueSize <= 0 {
		queueSize = defaultLiveQueueSize
	}
	return &LiveIngester{
		BeaconAdapter: beacon,
		Attestations:  attestations,
		Resolver:      resolver,
		Workers:       LiveParallelism(workers),
		QueueSize:     queueSize,
		received:      xsync.NewCounter(),
		processed:     xsync.NewCounter(),
		failed:        xsync.NewCounter(),
		streamErrors:  xsync.NewCounter(),
	}
}

// LiveParallelism returns the worker count for the live pool: the override when set
// (capped at 512), otherwise four workers per CPU within 2..512.
func LiveParallelism(override int) int {
	if override > 0 {
		if override > 512 {
			return 512
		}
		return override
	}

	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	parallelism := n * 4
	if parallelism < 2 {
		parallelism = 2
	}
	if parallelism > 512 {
		parallelism = 512
	}
	return parallelism
}

// Stats returns the current counters.
func (l *LiveIngester) Stats() LiveStats {
	return LiveStats{
		Received:     l.received.Value(),
		Processed:    l.processed.Value(),
		Failed:       l.failed.Value(),
		StreamErrors: l.streamErrors.Value(),
	}
}

// Run consumes the attestation stream until it closes or ctx is cancelled. Submission
// blocks while the pool queue is full, which throttles reading from the stream. Queued
// tasks are drained before Run returns.
func (l *LiveIngester) Run(ctx context.Context) error {
	events, err := l.BeaconAdapter.SubscribeAttestations(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to attestations: %w", err)
	}

	pool := pond.NewPool(l.Workers, pond.WithQueueSize(l.QueueSize))
	defer pool.StopAndWait()

	logger.Info("Live ingestion started with %d workers (queue %d)", l.Workers, l.QueueSize)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Live ingestion stopping: %v", ctx.Err())
			return nil
		case ev, ok := <-events:
			if !ok {
				logger.Warn("Attestation stream closed")
				return nil
			}
			if ev.Err != nil {
				l.streamErrors.Inc()
				liveStreamErrors.Inc()
				logger.Warn("Skipping bad item on attestation stream: %v", ev.Err)
				continue
			}

			l.received.Inc()
			liveEventsReceived.Inc()
			att := ev.Attestation
			pool.Submit(func() {
				if err := l.ingest(ctx, att); err != nil {
					l.failed.Inc()
					liveEventsFailed.Inc()
					logger.Warn("Failed to ingest attestation for slot %d: %v", att.Slot, err)
					return
				}
				l.processed.Inc()
			})
		}
	}
}

func (l *LiveIngester) ingest(ctx context.Context, att domain.Attestation) error {
	committees, err := l.Resolver.ResolveAll(ctx, att.Slot, att.Committees())
	if err != nil {
		return err
	}
	attendance, err := DecodeAggregate(att.AggregationBits, committees)
	if err != nil {
		return err
	}
	records := DedupRecords(AttestationRecords(att, attendance))
	if err := l.Attestations.UpsertBatch(ctx, records); err != nil {
		return err
	}
	attestationRecordsWritten.WithLabelValues(sourceLive).Add(float64(len(records)))
	return nil
}
