package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

type CommitteeRepository struct {
	db Executor
}

func (r *CommitteeRepository) Get(ctx context.Context, key domain.CommitteeKey) (domain.Committee, error) {
	var validators []int64
	err := r.db.QueryRow(ctx, `
		SELECT validators FROM committees WHERE slot = $1 AND committee_index = $2`,
		int64(key.Slot), int64(key.Index),
	).Scan(&validators)
	if err != nil {
		return domain.Committee{}, storeErr(err, "get committee slot %d index %d", key.Slot, key.Index)
	}
	return domain.Committee{Slot: key.Slot, Index: key.Index, Validators: fromBigints(validators)}, nil
}

// GetMany returns the committees found for keys, in no particular order.
func (r *CommitteeRepository) GetMany(ctx context.Context, keys []domain.CommitteeKey) ([]domain.Committee, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	slots := make([]int64, len(keys))
	indices := make([]int64, len(keys))
	for i, k := range keys {
		slots[i], indices[i] = int64(k.Slot), int64(k.Index)
	}

	rows, err := r.db.Query(ctx, `
		SELECT c.slot, c.committee_index, c.validators
		FROM committees c
		JOIN UNNEST($1::bigint[], $2::bigint[]) AS k(slot, committee_index)
			ON c.slot = k.slot AND c.committee_index = k.committee_index`,
		slots, indices,
	)
	if err != nil {
		return nil, storeErr(err, "get %d committees", len(keys))
	}
	defer rows.Close()

	out := make([]domain.Committee, 0, len(keys))
	for rows.Next() {
		var slot, index int64
		var validators []int64
		if err := rows.Scan(&slot, &index, &validators); err != nil {
			return nil, storeErr(err, "scan committee")
		}
		out = append(out, domain.Committee{
			Slot:       domain.Slot(slot),
			Index:      domain.CommitteeIndex(index),
			Validators: fromBigints(validators),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "get %d committees", len(keys))
	}
	return out, nil
}

func (r *CommitteeRepository) Upsert(ctx context.Context, c domain.Committee) error {
	return r.UpsertBatch(ctx, []domain.Committee{c})
}

// UpsertBatch writes committees; an existing committee has its validators overwritten.
func (r *CommitteeRepository) UpsertBatch(ctx context.Context, committees []domain.Committee) error {
	if len(committees) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO committees (slot, committee_index, validators)
		VALUES ($1, $2, $3)
		ON CONFLICT (slot, committee_index) DO UPDATE SET validators = EXCLUDED.validators`
	for _, c := range committees {
		batch.Queue(query, int64(c.Slot), int64(c.Index), toBigints(c.Validators))
	}

	if err := sendBatch(ctx, r.db, batch); err != nil {
		return storeErr(err, "upsert %d committees", len(committees))
	}
	return nil
}

func toBigints(vals []domain.ValidatorIndex) []int64 {
	out := make([]int64, len(vals))
	for i, v := range vals {
		out[i] = int64(v)
	}
	return out
}

func fromBigints(vals []int64) []domain.ValidatorIndex {
	out := make([]domain.ValidatorIndex, len(vals))
	for i, v := range vals {
		out[i] = domain.ValidatorIndex(v)
	}
	return out
}
