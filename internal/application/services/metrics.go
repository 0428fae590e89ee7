package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	epochsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_backfill_epochs_processed_total",
		Help: "Epochs fully processed by the backfill driver",
	})
	lastProcessedEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_backfill_last_epoch",
		Help: "Last epoch fully processed by the backfill driver",
	})
	attestationRecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_attestation_records_written_total",
		Help: "Attestation records sent to the store, after batch dedup",
	}, []string{"source"})
	proposersWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_proposer_duties_written_total",
		Help: "Proposer duties recorded from block headers",
	})
	liveEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_live_events_received_total",
		Help: "Attestations received on the live event stream",
	})
	liveEventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_live_events_failed_total",
		Help: "Live attestations whose processing task failed",
	})
	liveStreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_live_stream_errors_total",
		Help: "Undecodable items on the live event stream",
	})
	committeeResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_committee_resolutions_total",
		Help: "Committee lookups by the source that answered them",
	}, []string{"source"})
)

const (
	sourceBackfill = "backfill"
	sourceLive     = "live"

	resolvedMemory = "memory"
	resolvedStore  = "store"
	resolvedBeacon = "beacon"
)
