package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Marketen/participation-indexer/internal/adapters/memory"
	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
	"github.com/Marketen/participation-indexer/internal/retry"
)

// twoEpochChain builds a chain where the first block of epoch 1 carries a late
// attestation for the last slot of epoch 0.
func twoEpochChain() *fakeBeacon {
	beacon := newFakeBeacon()
	beacon.validators = activeSnapshots(1, 2, 3, 4, 5, 10, 11)
	beacon.committees = []domain.Committee{
		committeeOf(31, 0, 10, 11),
		committeeOf(32, 0, 1, 2, 3),
		committeeOf(33, 0, 4, 5),
	}
	beacon.headers[32] = domain.BlockHeader{Slot: 32, ProposerIndex: 7}
	beacon.headers[33] = domain.BlockHeader{Slot: 33, ProposerIndex: 8}
	beacon.setAttestations(32, domain.Attestation{Slot: 31, CommitteeIndex: 0, TargetEpoch: 0, AggregationBits: "0x80"})
	beacon.setAttestations(33, domain.Attestation{Slot: 32, CommitteeIndex: 0, TargetEpoch: 1, AggregationBits: "0xe0"})
	return beacon
}

func newTestDriver(beacon *fakeBeacon, store ports.Store) *BackfillDriver {
	d := NewBackfillDriver(beacon, store, NewCommitteeResolver(beacon, store.Committees), 10*time.Millisecond)
	d.Retry = retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return d
}

func attested(t *testing.T, store ports.Store, epoch domain.Epoch, v domain.ValidatorIndex) bool {
	t.Helper()
	rec, err := store.Attestations.Get(context.Background(), domain.AttestationKey{Epoch: epoch, Validator: v})
	require.NoError(t, err, "epoch %d validator %d", epoch, v)
	return rec.Attested
}

func TestRunEpochCreditsTargetEpochFromPreviousCommittees(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	mem := memory.New()
	store := mem.Repositories()

	require.NoError(t, newTestDriver(beacon, store).RunEpoch(ctx, 1))

	// slot 31 belongs to epoch 0: resolved from the previous committee map
	require.True(t, attested(t, store, 0, 10))
	require.False(t, attested(t, store, 0, 11))
	for _, v := range []domain.ValidatorIndex{1, 2, 3} {
		require.True(t, attested(t, store, 1, v))
	}

	for _, e := range []domain.Epoch{0, 1} {
		rec, err := store.Epochs.Get(ctx, e)
		require.NoError(t, err)
		require.Equal(t, uint64(7), rec.ActiveValidators)
	}
	rec, err := store.Epochs.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.Attestations)
}

func TestRunEpochRecordsProposersOnlyForExistingBlocks(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	mem := memory.New()
	store := mem.Repositories()

	require.NoError(t, newTestDriver(beacon, store).RunEpoch(ctx, 1))

	duty, err := store.Proposers.Get(ctx, 32)
	require.NoError(t, err)
	require.Equal(t, domain.ValidatorIndex(7), duty.ValidatorIndex)

	_, err = store.Proposers.Get(ctx, 34)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, 2, mem.ProposerCount())
}

func TestRunEpochRerunNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	mem := memory.New()
	store := mem.Repositories()
	driver := newTestDriver(beacon, store)

	require.NoError(t, driver.RunEpoch(ctx, 1))
	records := mem.AttestationCount()

	beacon.setAttestations(33, domain.Attestation{Slot: 32, CommitteeIndex: 0, TargetEpoch: 1, AggregationBits: "0x00"})
	require.NoError(t, driver.RunEpoch(ctx, 1))
	require.NoError(t, newTestDriver(beacon, store).RunEpoch(ctx, 1))

	require.Equal(t, records, mem.AttestationCount())
	for _, v := range []domain.ValidatorIndex{1, 2, 3} {
		require.True(t, attested(t, store, 1, v))
	}
}

func TestRunEpochSkipsEmptySlots(t *testing.T) {
	ctx := context.Background()
	beacon := newFakeBeacon()
	beacon.validators = activeSnapshots(1)
	mem := memory.New()

	require.NoError(t, newTestDriver(beacon, mem.Repositories()).RunEpoch(ctx, 3))
	require.Zero(t, mem.AttestationCount())
	require.Zero(t, mem.ProposerCount())
}

func TestRunEpochResolvesCurrentMissFromStore(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	store := memory.New().Repositories()
	// known to the store but not part of the imported epoch
	require.NoError(t, store.Committees.Upsert(ctx, committeeOf(32, 9, 4, 5)))

	beacon.setAttestations(33, domain.Attestation{Slot: 32, CommitteeIndex: 9, TargetEpoch: 1, AggregationBits: "0x80"})
	require.NoError(t, newTestDriver(beacon, store).RunEpoch(ctx, 1))

	require.True(t, attested(t, store, 1, 4))
	require.False(t, attested(t, store, 1, 5))
}

func TestRunEpochUnresolvableCurrentMiss(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	store := memory.New().Repositories()

	beacon.setAttestations(33, domain.Attestation{Slot: 32, CommitteeIndex: 9, TargetEpoch: 1, AggregationBits: "0x80"})
	err := newTestDriver(beacon, store).RunEpoch(ctx, 1)
	require.ErrorIs(t, err, domain.ErrConsistency)
}

func TestRunEpochPreviousMapMiss(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	store := memory.New().Repositories()

	beacon.setAttestations(32, domain.Attestation{Slot: 30, CommitteeIndex: 0, TargetEpoch: 0, AggregationBits: "0x80"})
	err := newTestDriver(beacon, store).RunEpoch(ctx, 1)
	require.ErrorIs(t, err, domain.ErrConsistency)
}

func TestRunEpochTargetTooOld(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	beacon.committees = append(beacon.committees, committeeOf(64, 0, 1))
	beacon.setAttestations(64, domain.Attestation{Slot: 31, CommitteeIndex: 0, TargetEpoch: 0, AggregationBits: "0x80"})
	store := memory.New().Repositories()

	err := newTestDriver(beacon, store).RunEpoch(ctx, 2)
	require.ErrorIs(t, err, domain.ErrConsistency)
}

func TestRunBoundedProcessesRange(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	store := memory.New().Repositories()
	from, max := domain.Epoch(0), domain.Epoch(2)

	require.NoError(t, newTestDriver(beacon, store).Run(ctx, &from, &max))

	latest, err := store.Epochs.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Epoch(2), latest.Index)
	require.True(t, attested(t, store, 0, 10))
}

func TestRunAbortsOnBeaconError(t *testing.T) {
	ctx := context.Background()
	beacon := twoEpochChain()
	beacon.blockErr[40] = fmt.Errorf("%w: connection reset", domain.ErrNetwork)
	store := memory.New().Repositories()
	from, max := domain.Epoch(1), domain.Epoch(2)

	err := newTestDriver(beacon, store).Run(ctx, &from, &max)
	require.ErrorIs(t, err, domain.ErrNetwork)

	_, err = store.Epochs.Get(ctx, 2)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunFollowsJustifiedCheckpoint(t *testing.T) {
	beacon := twoEpochChain()
	beacon.justified = 1
	store := memory.New().Repositories()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- newTestDriver(beacon, store).Run(ctx, nil, nil) }()

	epochPresent := func(e domain.Epoch) func() bool {
		return func() bool {
			_, err := store.Epochs.Get(context.Background(), e)
			return err == nil
		}
	}
	require.Eventually(t, epochPresent(1), 2*time.Second, 5*time.Millisecond)

	beacon.mu.Lock()
	beacon.justified = 3
	beacon.mu.Unlock()
	require.Eventually(t, epochPresent(3), 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}
}

func TestChunk(t *testing.T) {
	require.Nil(t, chunk([]int{}, 3))
	require.Equal(t, [][]int{{1, 2, 3}, {4}}, chunk([]int{1, 2, 3, 4}, 3))
	require.Equal(t, [][]int{{1, 2}}, chunk([]int{1, 2}, 2))
}
