package postgres

import (
	"context"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

type AttestationRepository struct {
	db Executor
}

// upsertAttestations inserts rows from parallel arrays. A row already marked attested
// is never updated, so concurrent writers cannot turn true back into false.
const upsertAttestations = `
	INSERT INTO attestations (epoch, validator_index, slot, committee_index, attested)
	SELECT * FROM UNNEST($1::bigint[], $2::bigint[], $3::bigint[], $4::bigint[], $5::boolean[])
	ON CONFLICT (epoch, validator_index) DO UPDATE SET
		slot = EXCLUDED.slot,
		committee_index = EXCLUDED.committee_index,
		attested = EXCLUDED.attested
	WHERE NOT attestations.attested`

func (r *AttestationRepository) Get(ctx context.Context, key domain.AttestationKey) (domain.AttestationRecord, error) {
	var slot, committee int64
	rec := domain.AttestationRecord{Epoch: key.Epoch, Validator: key.Validator}
	err := r.db.QueryRow(ctx, `
		SELECT slot, committee_index, attested
		FROM attestations
		WHERE epoch = $1 AND validator_index = $2`,
		int64(key.Epoch), int64(key.Validator),
	).Scan(&slot, &committee, &rec.Attested)
	if err != nil {
		return domain.AttestationRecord{}, storeErr(err, "get attestation epoch %d validator %d", key.Epoch, key.Validator)
	}
	rec.Slot = domain.Slot(slot)
	rec.CommitteeIndex = domain.CommitteeIndex(committee)
	return rec, nil
}

// GetMany returns the records found for keys, in no particular order.
func (r *AttestationRepository) GetMany(ctx context.Context, keys []domain.AttestationKey) ([]domain.AttestationRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	epochs := make([]int64, len(keys))
	validators := make([]int64, len(keys))
	for i, k := range keys {
		epochs[i], validators[i] = int64(k.Epoch), int64(k.Validator)
	}

	rows, err := r.db.Query(ctx, `
		SELECT a.epoch, a.validator_index, a.slot, a.committee_index, a.attested
		FROM attestations a
		JOIN UNNEST($1::bigint[], $2::bigint[]) AS k(epoch, validator_index)
			ON a.epoch = k.epoch AND a.validator_index = k.validator_index`,
		epochs, validators,
	)
	if err != nil {
		return nil, storeErr(err, "get %d attestations", len(keys))
	}
	defer rows.Close()

	out := make([]domain.AttestationRecord, 0, len(keys))
	for rows.Next() {
		var epoch, validator, slot, committee int64
		var attested bool
		if err := rows.Scan(&epoch, &validator, &slot, &committee, &attested); err != nil {
			return nil, storeErr(err, "scan attestation")
		}
		out = append(out, domain.AttestationRecord{
			Epoch:          domain.Epoch(epoch),
			Validator:      domain.ValidatorIndex(validator),
			Slot:           domain.Slot(slot),
			CommitteeIndex: domain.CommitteeIndex(committee),
			Attested:       attested,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "get %d attestations", len(keys))
	}
	return out, nil
}

func (r *AttestationRepository) Upsert(ctx context.Context, rec domain.AttestationRecord) error {
	return r.UpsertBatch(ctx, []domain.AttestationRecord{rec})
}

// UpsertBatch writes records in one statement. Postgres rejects a statement that
// touches the same row twice, so keys must be distinct within the batch.
func (r *AttestationRepository) UpsertBatch(ctx context.Context, records []domain.AttestationRecord) error {
	if len(records) == 0 {
		return nil
	}
	cols := attestationColumns(records)
	_, err := r.db.Exec(ctx, upsertAttestations,
		cols.epochs, cols.validators, cols.slots, cols.committees, cols.attested)
	if err != nil {
		return storeErr(err, "upsert %d attestations", len(records))
	}
	return nil
}

type attestationArrays struct {
	epochs     []int64
	validators []int64
	slots      []int64
	committees []int64
	attested   []bool
}

func attestationColumns(records []domain.AttestationRecord) attestationArrays {
	cols := attestationArrays{
		epochs:     make([]int64, len(records)),
		validators: make([]int64, len(records)),
		slots:      make([]int64, len(records)),
		committees: make([]int64, len(records)),
		attested:   make([]bool, len(records)),
	}
	for i, rec := range records {
		cols.epochs[i] = int64(rec.Epoch)
		cols.validators[i] = int64(rec.Validator)
		cols.slots[i] = int64(rec.Slot)
		cols.committees[i] = int64(rec.CommitteeIndex)
		cols.attested[i] = rec.Attested
	}
	return cols
}
