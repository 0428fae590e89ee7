package postgres

import (
	"context"
	"time"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/logger"
)

// InitializeDB creates every table and index if missing. Unsigned chain quantities are
// stored as BIGINT; an activation or exit epoch of FAR_FUTURE is stored as NULL.
func (c *Client) InitializeDB(ctx context.Context) error {
	start := time.Now()

	initOps := []struct {
		name  string
		query string
	}{
		{"epochs", `
			CREATE TABLE IF NOT EXISTS epochs (
				epoch BIGINT PRIMARY KEY,
				active_validators BIGINT NOT NULL,
				total_validators BIGINT NOT NULL
			);`},
		{"validators", `
			CREATE TABLE IF NOT EXISTS validators (
				validator_index BIGINT PRIMARY KEY,
				pubkey TEXT NOT NULL,
				activation_epoch BIGINT,                       -- NULL: not activated yet
				exit_epoch BIGINT                              -- NULL: never exited
			);

			ALTER TABLE validators ALTER COLUMN activation_epoch DROP NOT NULL;

			CREATE INDEX IF NOT EXISTS idx_validators_activation ON validators(activation_epoch);`},
		{"committees", `
			CREATE TABLE IF NOT EXISTS committees (
				slot BIGINT NOT NULL,
				committee_index BIGINT NOT NULL,
				validators BIGINT[] NOT NULL,                  -- position = aggregation bit
				PRIMARY KEY (slot, committee_index)
			);`},
		{"attestations", `
			CREATE TABLE IF NOT EXISTS attestations (
				epoch BIGINT NOT NULL,                         -- target epoch
				validator_index BIGINT NOT NULL,
				slot BIGINT NOT NULL,
				committee_index BIGINT NOT NULL,
				attested BOOLEAN NOT NULL DEFAULT false,
				PRIMARY KEY (epoch, validator_index)
			);

			CREATE INDEX IF NOT EXISTS idx_attestations_validator ON attestations(validator_index) WHERE attested;`},
		{"proposers", `
			CREATE TABLE IF NOT EXISTS proposers (
				slot BIGINT PRIMARY KEY,
				validator_index BIGINT NOT NULL
			);`},
	}

	for _, op := range initOps {
		if _, err := c.Pool.Exec(ctx, op.query); err != nil {
			return storeErr(err, "create table %s", op.name)
		}
	}

	logger.Info("Database schema ready (%d tables, %s)", len(initOps), time.Since(start).Round(time.Millisecond))
	return nil
}

// epochToDB maps FarFutureEpoch onto NULL.
func epochToDB(e domain.Epoch) *int64 {
	if e == domain.FarFutureEpoch {
		return nil
	}
	v := int64(e)
	return &v
}

func epochFromDB(v *int64) domain.Epoch {
	if v == nil {
		return domain.FarFutureEpoch
	}
	return domain.Epoch(*v)
}
