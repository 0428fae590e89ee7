package ports

import (
	"context"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

// CommitteeFilter narrows a committees query. Nil fields are not sent.
type CommitteeFilter struct {
	Epoch *domain.Epoch
	Index *domain.CommitteeIndex
	Slot  *domain.Slot
}

// BeaconChainAdapter is the hexagonal port for accessing beacon chain data.
// The indexing services depend only on this interface, not on any concrete client.
type BeaconChainAdapter interface {
	// HeaderForBlock returns the header of a block. Returns domain.ErrNotFound when
	// there is no block for the reference (missed slot).
	HeaderForBlock(ctx context.Context, block domain.BlockID) (domain.BlockHeader, error)

	// AttestationsForBlock returns all attestations included in a block. Returns
	// domain.ErrNotFound when the slot is empty.
	AttestationsForBlock(ctx context.Context, block domain.BlockID) ([]domain.Attestation, error)

	// CommitteesForState returns the beacon committees of a state, optionally filtered.
	CommitteesForState(ctx context.Context, state domain.StateID, filter CommitteeFilter) ([]domain.Committee, error)

	// ValidatorsForState returns validators of a state. Empty ids and statuses mean all.
	ValidatorsForState(
		ctx context.Context,
		state domain.StateID,
		ids []domain.ValidatorIndex,
		statuses []domain.ValidatorStatus,
	) ([]domain.ValidatorSnapshot, error)

	// FinalityCheckpoints returns the justified and finalized checkpoints of a state.
	FinalityCheckpoints(ctx context.Context, state domain.StateID) (domain.FinalityCheckpoints, error)

	// SubscribeAttestations opens the push stream of individual attestations. A bad item
	// is delivered as an event with Err set; the channel is closed when the stream ends.
	SubscribeAttestations(ctx context.Context) (<-chan domain.AttestationEvent, error)
}
