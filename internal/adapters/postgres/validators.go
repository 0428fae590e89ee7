package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

type ValidatorRepository struct {
	db Executor
}

// pending validators have a NULL activation epoch and match neither predicate
const (
	activatedBy = `activation_epoch IS NOT NULL AND activation_epoch <= $1`
	activeAt    = activatedBy + ` AND (exit_epoch IS NULL OR exit_epoch > $1)`
)

func (r *ValidatorRepository) Get(ctx context.Context, index domain.ValidatorIndex) (domain.Validator, error) {
	var (
		idx, attestations int64
		activation, exit  *int64
		v                 domain.Validator
	)
	err := r.db.QueryRow(ctx, `
		SELECT v.validator_index, v.pubkey, v.activation_epoch, v.exit_epoch,
			(SELECT count(*) FROM attestations a WHERE a.validator_index = v.validator_index AND a.attested)
		FROM validators v
		WHERE v.validator_index = $1`,
		int64(index),
	).Scan(&idx, &v.Pubkey, &activation, &exit, &attestations)
	if err != nil {
		return domain.Validator{}, storeErr(err, "get validator %d", index)
	}

	v.Index = domain.ValidatorIndex(idx)
	v.ActivationEpoch = epochFromDB(activation)
	v.ExitEpoch = epochFromDB(exit)
	v.Attestations = uint64(attestations)
	return v, nil
}

func (r *ValidatorRepository) GetActive(ctx context.Context, epoch domain.Epoch) ([]domain.Validator, error) {
	rows, err := r.db.Query(ctx, `
		SELECT validator_index, pubkey, activation_epoch, exit_epoch
		FROM validators
		WHERE `+activeAt+`
		ORDER BY validator_index`,
		int64(epoch),
	)
	if err != nil {
		return nil, storeErr(err, "get active validators at epoch %d", epoch)
	}
	defer rows.Close()

	var out []domain.Validator
	for rows.Next() {
		var (
			idx              int64
			activation, exit *int64
			v                domain.Validator
		)
		if err := rows.Scan(&idx, &v.Pubkey, &activation, &exit); err != nil {
			return nil, storeErr(err, "scan validator")
		}
		v.Index = domain.ValidatorIndex(idx)
		v.ActivationEpoch = epochFromDB(activation)
		v.ExitEpoch = epochFromDB(exit)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "get active validators at epoch %d", epoch)
	}
	return out, nil
}

func (r *ValidatorRepository) ActiveCount(ctx context.Context, epoch domain.Epoch) (uint64, error) {
	return r.count(ctx, `SELECT count(*) FROM validators WHERE `+activeAt, epoch)
}

func (r *ValidatorRepository) TotalCount(ctx context.Context, epoch domain.Epoch) (uint64, error) {
	return r.count(ctx, `SELECT count(*) FROM validators WHERE `+activatedBy, epoch)
}

func (r *ValidatorRepository) count(ctx context.Context, query string, epoch domain.Epoch) (uint64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, query, int64(epoch)).Scan(&n); err != nil {
		return 0, storeErr(err, "count validators at epoch %d", epoch)
	}
	return uint64(n), nil
}

func (r *ValidatorRepository) Upsert(ctx context.Context, v domain.Validator) error {
	return r.UpsertBatch(ctx, []domain.Validator{v})
}

// UpsertBatch writes validators; the last write for an index wins.
func (r *ValidatorRepository) UpsertBatch(ctx context.Context, validators []domain.Validator) error {
	if len(validators) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO validators (validator_index, pubkey, activation_epoch, exit_epoch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (validator_index) DO UPDATE SET
			pubkey = EXCLUDED.pubkey,
			activation_epoch = EXCLUDED.activation_epoch,
			exit_epoch = EXCLUDED.exit_epoch`
	for _, v := range validators {
		batch.Queue(query, int64(v.Index), v.Pubkey, epochToDB(v.ActivationEpoch), epochToDB(v.ExitEpoch))
	}

	if err := sendBatch(ctx, r.db, batch); err != nil {
		return storeErr(err, "upsert %d validators", len(validators))
	}
	return nil
}
