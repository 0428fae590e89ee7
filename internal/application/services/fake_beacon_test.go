package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
)

// fakeBeacon serves a fixed chain from memory and counts committee queries.
type fakeBeacon struct {
	mu           sync.Mutex
	headers      map[domain.Slot]domain.BlockHeader
	attestations map[domain.Slot][]domain.Attestation
	committees   []domain.Committee
	validators   []domain.ValidatorSnapshot
	justified    domain.Epoch
	blockErr     map[domain.Slot]error
	events       chan domain.AttestationEvent

	committeeCalls atomic.Int64

	// committeeGate, when set, holds every committee query until it is closed.
	committeeGate chan struct{}
	inFlight      atomic.Int64
	maxInFlight   atomic.Int64
}

var _ ports.BeaconChainAdapter = (*fakeBeacon)(nil)

func newFakeBeacon() *fakeBeacon {
	return &fakeBeacon{
		headers:      make(map[domain.Slot]domain.BlockHeader),
		attestations: make(map[domain.Slot][]domain.Attestation),
		blockErr:     make(map[domain.Slot]error),
	}
}

func (f *fakeBeacon) slotOf(id domain.BlockID) (domain.Slot, error) {
	var slot uint64
	if _, err := fmt.Sscanf(id.String(), "%d", &slot); err != nil {
		return 0, fmt.Errorf("fake beacon only serves numeric ids, got %q", id.String())
	}
	return domain.Slot(slot), nil
}

func (f *fakeBeacon) HeaderForBlock(_ context.Context, block domain.BlockID) (domain.BlockHeader, error) {
	slot, err := f.slotOf(block)
	if err != nil {
		return domain.BlockHeader{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.headers[slot]
	if !ok {
		return domain.BlockHeader{}, fmt.Errorf("%w: block %d", domain.ErrNotFound, slot)
	}
	return h, nil
}

func (f *fakeBeacon) AttestationsForBlock(_ context.Context, block domain.BlockID) ([]domain.Attestation, error) {
	slot, err := f.slotOf(block)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.blockErr[slot]; err != nil {
		return nil, err
	}
	atts, ok := f.attestations[slot]
	if !ok {
		return nil, fmt.Errorf("%w: block %d", domain.ErrNotFound, slot)
	}
	return atts, nil
}

func (f *fakeBeacon) CommitteesForState(
	_ context.Context,
	_ domain.StateID,
	filter ports.CommitteeFilter,
) ([]domain.Committee, error) {
	f.committeeCalls.Add(1)
	if f.committeeGate != nil {
		n := f.inFlight.Add(1)
		for {
			peak := f.maxInFlight.Load()
			if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
				break
			}
		}
		<-f.committeeGate
		f.inFlight.Add(-1)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Committee
	for _, c := range f.committees {
		if filter.Epoch != nil && c.Slot.Epoch() != *filter.Epoch {
			continue
		}
		if filter.Slot != nil && c.Slot != *filter.Slot {
			continue
		}
		if filter.Index != nil && c.Index != *filter.Index {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeBeacon) ValidatorsForState(
	_ context.Context,
	_ domain.StateID,
	_ []domain.ValidatorIndex,
	_ []domain.ValidatorStatus,
) ([]domain.ValidatorSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ValidatorSnapshot(nil), f.validators...), nil
}

func (f *fakeBeacon) FinalityCheckpoints(_ context.Context, _ domain.StateID) (domain.FinalityCheckpoints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.FinalityCheckpoints{CurrentJustified: domain.Checkpoint{Epoch: f.justified}}, nil
}

func (f *fakeBeacon) SubscribeAttestations(_ context.Context) (<-chan domain.AttestationEvent, error) {
	if f.events == nil {
		return nil, fmt.Errorf("%w: no stream", domain.ErrNetwork)
	}
	return f.events, nil
}

func (f *fakeBeacon) setAttestations(slot domain.Slot, atts ...domain.Attestation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attestations[slot] = atts
}

func activeSnapshots(indices ...domain.ValidatorIndex) []domain.ValidatorSnapshot {
	out := make([]domain.ValidatorSnapshot, 0, len(indices))
	for _, i := range indices {
		out = append(out, domain.ValidatorSnapshot{
			Index:           i,
			Pubkey:          fmt.Sprintf("0x%096x", i),
			ActivationEpoch: 0,
			ExitEpoch:       domain.FarFutureEpoch,
			Status:          domain.ValidatorStatusActiveOngoing,
		})
	}
	return out
}
