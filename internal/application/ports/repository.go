package ports

import (
	"context"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

// Repositories return domain.ErrNotFound for missing rows and wrap driver failures
// with domain.ErrStore.

type EpochRepository interface {
	Get(ctx context.Context, epoch domain.Epoch) (domain.EpochRecord, error)
	// Create inserts the epoch record; it is a no-op when the epoch already exists.
	Create(ctx context.Context, epoch domain.Epoch, activeValidators, totalValidators uint64) error
	// Latest returns the highest epoch record.
	Latest(ctx context.Context) (domain.EpochRecord, error)
}

type ValidatorRepository interface {
	Get(ctx context.Context, index domain.ValidatorIndex) (domain.Validator, error)
	GetActive(ctx context.Context, epoch domain.Epoch) ([]domain.Validator, error)
	ActiveCount(ctx context.Context, epoch domain.Epoch) (uint64, error)
	// TotalCount counts validators activated at or before the epoch.
	TotalCount(ctx context.Context, epoch domain.Epoch) (uint64, error)
	Upsert(ctx context.Context, validator domain.Validator) error
	UpsertBatch(ctx context.Context, validators []domain.Validator) error
}

type CommitteeRepository interface {
	Get(ctx context.Context, key domain.CommitteeKey) (domain.Committee, error)
	// GetMany returns the committees found for keys; missing keys are skipped.
	GetMany(ctx context.Context, keys []domain.CommitteeKey) ([]domain.Committee, error)
	Upsert(ctx context.Context, committee domain.Committee) error
	UpsertBatch(ctx context.Context, committees []domain.Committee) error
}

type AttestationRepository interface {
	Get(ctx context.Context, key domain.AttestationKey) (domain.AttestationRecord, error)
	// GetMany returns the records found for keys; missing keys are skipped.
	GetMany(ctx context.Context, keys []domain.AttestationKey) ([]domain.AttestationRecord, error)
	// Upsert and UpsertBatch never downgrade a persisted attested=true to false.
	Upsert(ctx context.Context, record domain.AttestationRecord) error
	UpsertBatch(ctx context.Context, records []domain.AttestationRecord) error
}

type ProposerRepository interface {
	// Create records the proposer of a slot; a second call for the same slot is a no-op.
	Create(ctx context.Context, slot domain.Slot, validator domain.ValidatorIndex) error
	Get(ctx context.Context, slot domain.Slot) (domain.ProposerDuty, error)
}

// Store bundles the repositories sharing one backend.
type Store struct {
	Epochs       EpochRepository
	Validators   ValidatorRepository
	Committees   CommitteeRepository
	Attestations AttestationRepository
	Proposers    ProposerRepository
}
