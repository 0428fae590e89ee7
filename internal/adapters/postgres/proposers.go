package postgres

import (
	"context"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

type ProposerRepository struct {
	db Executor
}

func (r *ProposerRepository) Create(ctx context.Context, slot domain.Slot, validator domain.ValidatorIndex) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO proposers (slot, validator_index)
		VALUES ($1, $2)
		ON CONFLICT (slot) DO NOTHING`,
		int64(slot), int64(validator),
	)
	if err != nil {
		return storeErr(err, "create proposer for slot %d", slot)
	}
	return nil
}

func (r *ProposerRepository) Get(ctx context.Context, slot domain.Slot) (domain.ProposerDuty, error) {
	var validator int64
	err := r.db.QueryRow(ctx, `SELECT validator_index FROM proposers WHERE slot = $1`, int64(slot)).Scan(&validator)
	if err != nil {
		return domain.ProposerDuty{}, storeErr(err, "get proposer for slot %d", slot)
	}
	return domain.ProposerDuty{Slot: slot, ValidatorIndex: domain.ValidatorIndex(validator)}, nil
}
