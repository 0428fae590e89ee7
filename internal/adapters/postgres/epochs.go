package postgres

import (
	"context"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

type EpochRepository struct {
	db Executor
}

// the attestation count is derived, never stored
const selectEpoch = `
	SELECT e.epoch, e.active_validators, e.total_validators,
		(SELECT count(*) FROM attestations a WHERE a.epoch = e.epoch AND a.attested)
	FROM epochs e`

func (r *EpochRepository) Get(ctx context.Context, epoch domain.Epoch) (domain.EpochRecord, error) {
	row := r.db.QueryRow(ctx, selectEpoch+` WHERE e.epoch = $1`, int64(epoch))
	rec, err := scanEpoch(row)
	if err != nil {
		return domain.EpochRecord{}, storeErr(err, "get epoch %d", epoch)
	}
	return rec, nil
}

func (r *EpochRepository) Create(ctx context.Context, epoch domain.Epoch, active, total uint64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO epochs (epoch, active_validators, total_validators)
		VALUES ($1, $2, $3)
		ON CONFLICT (epoch) DO NOTHING`,
		int64(epoch), int64(active), int64(total),
	)
	if err != nil {
		return storeErr(err, "create epoch %d", epoch)
	}
	return nil
}

func (r *EpochRepository) Latest(ctx context.Context) (domain.EpochRecord, error) {
	row := r.db.QueryRow(ctx, selectEpoch+` ORDER BY e.epoch DESC LIMIT 1`)
	rec, err := scanEpoch(row)
	if err != nil {
		return domain.EpochRecord{}, storeErr(err, "get latest epoch")
	}
	return rec, nil
}

func scanEpoch(row interface{ Scan(...any) error }) (domain.EpochRecord, error) {
	var epoch, active, total, attestations int64
	if err := row.Scan(&epoch, &active, &total, &attestations); err != nil {
		return domain.EpochRecord{}, err
	}
	return domain.EpochRecord{
		Index:            domain.Epoch(epoch),
		ActiveValidators: uint64(active),
		TotalValidators:  uint64(total),
		Attestations:     uint64(attestations),
	}, nil
}
