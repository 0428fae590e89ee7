package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

func TestStoreErr(t *testing.T) {
	require.ErrorIs(t, storeErr(pgx.ErrNoRows, "get epoch %d", 1), domain.ErrNotFound)

	err := storeErr(errors.New("connection refused"), "get epoch %d", 1)
	require.ErrorIs(t, err, domain.ErrStore)
	require.Contains(t, err.Error(), "get epoch 1")
}

func TestFarFutureEpochRoundTrip(t *testing.T) {
	require.Nil(t, epochToDB(domain.FarFutureEpoch))
	require.Equal(t, domain.FarFutureEpoch, epochFromDB(nil))

	stored := epochToDB(12)
	require.NotNil(t, stored)
	require.Equal(t, domain.Epoch(12), epochFromDB(stored))
}

// batchRecorder is an Executor that keeps every batch it is sent.
type batchRecorder struct {
	batches []*pgx.Batch
}

func (b *batchRecorder) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (b *batchRecorder) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (b *batchRecorder) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (b *batchRecorder) SendBatch(_ context.Context, batch *pgx.Batch) pgx.BatchResults {
	b.batches = append(b.batches, batch)
	return okResults{}
}

type okResults struct{}

func (okResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }
func (okResults) Query() (pgx.Rows, error)         { return nil, errors.New("not supported") }
func (okResults) QueryRow() pgx.Row                { return nil }
func (okResults) Close() error                     { return nil }

func TestValidatorUpsertBindsPendingActivationAsNull(t *testing.T) {
	rec := &batchRecorder{}
	repo := &ValidatorRepository{db: rec}

	require.NoError(t, repo.UpsertBatch(context.Background(), []domain.Validator{
		{Index: 1, Pubkey: "0x01", ActivationEpoch: domain.FarFutureEpoch, ExitEpoch: domain.FarFutureEpoch},
		{Index: 2, Pubkey: "0x02", ActivationEpoch: 5, ExitEpoch: 9},
	}))
	require.Len(t, rec.batches, 1)
	queued := rec.batches[0].QueuedQueries
	require.Len(t, queued, 2)

	pending := queued[0].Arguments
	require.Equal(t, int64(1), pending[0])
	require.Nil(t, pending[2], "activation epoch")
	require.Nil(t, pending[3], "exit epoch")

	active := queued[1].Arguments
	require.Equal(t, int64(5), *active[2].(*int64))
	require.Equal(t, int64(9), *active[3].(*int64))
}

func TestValidatorCountsSkipNullActivation(t *testing.T) {
	require.Contains(t, activatedBy, "activation_epoch IS NOT NULL")
	require.Contains(t, activeAt, activatedBy)
}

func TestAttestationColumns(t *testing.T) {
	cols := attestationColumns([]domain.AttestationRecord{
		{Epoch: 1, Validator: 2, Slot: 40, CommitteeIndex: 3, Attested: true},
		{Epoch: 1, Validator: 5, Slot: 41, CommitteeIndex: 0, Attested: false},
	})
	require.Equal(t, []int64{1, 1}, cols.epochs)
	require.Equal(t, []int64{2, 5}, cols.validators)
	require.Equal(t, []int64{40, 41}, cols.slots)
	require.Equal(t, []int64{3, 0}, cols.committees)
	require.Equal(t, []bool{true, false}, cols.attested)
}

// TestRepositoriesAgainstPostgres runs only when POSTGRES_TEST_URL points at a
// disposable database.
func TestRepositoriesAgainstPostgres(t *testing.T) {
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	ctx := context.Background()

	client, err := New(ctx, url, DefaultPoolConfig(4))
	require.NoError(t, err)
	defer client.Close()
	for _, table := range []string{"attestations", "committees", "proposers", "validators", "epochs"} {
		_, err := client.Pool.Exec(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}
	store := client.Store()

	// attested never goes back to false
	key := domain.AttestationKey{Epoch: 3, Validator: 9}
	require.NoError(t, store.Attestations.Upsert(ctx, domain.AttestationRecord{Epoch: 3, Validator: 9, Attested: true}))
	require.NoError(t, store.Attestations.UpsertBatch(ctx, []domain.AttestationRecord{
		{Epoch: 3, Validator: 9, Attested: false},
		{Epoch: 3, Validator: 10, Attested: false},
	}))
	rec, err := store.Attestations.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, rec.Attested)
	many, err := store.Attestations.GetMany(ctx, []domain.AttestationKey{key, {Epoch: 3, Validator: 10}, {Epoch: 4}})
	require.NoError(t, err)
	require.Len(t, many, 2)

	// epochs and derived counts
	require.NoError(t, store.Epochs.Create(ctx, 3, 10, 12))
	require.NoError(t, store.Epochs.Create(ctx, 3, 1, 1))
	epoch, err := store.Epochs.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.EpochRecord{Index: 3, ActiveValidators: 10, TotalValidators: 12, Attestations: 1}, epoch)

	// validators with a never-exited member and a pending one
	require.NoError(t, store.Validators.UpsertBatch(ctx, []domain.Validator{
		{Index: 9, Pubkey: "0x01", ActivationEpoch: 0, ExitEpoch: domain.FarFutureEpoch},
		{Index: 10, Pubkey: "0x02", ActivationEpoch: 0, ExitEpoch: 2},
		{Index: 11, Pubkey: "0x03", ActivationEpoch: domain.FarFutureEpoch, ExitEpoch: domain.FarFutureEpoch},
	}))
	v, err := store.Validators.Get(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, domain.FarFutureEpoch, v.ExitEpoch)
	require.Equal(t, uint64(1), v.Attestations)
	pending, err := store.Validators.Get(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, domain.FarFutureEpoch, pending.ActivationEpoch)
	for _, e := range []domain.Epoch{0, 3, 100} {
		active, err := store.Validators.ActiveCount(ctx, e)
		require.NoError(t, err)
		total, err := store.Validators.TotalCount(ctx, e)
		require.NoError(t, err)
		wantActive := uint64(1)
		if e < 2 {
			wantActive = 2
		}
		require.Equal(t, wantActive, active, "active at epoch %d", e)
		require.Equal(t, uint64(2), total, "total at epoch %d", e)
	}
	activeList, err := store.Validators.GetActive(ctx, 3)
	require.NoError(t, err)
	require.Len(t, activeList, 1)
	require.Equal(t, domain.ValidatorIndex(9), activeList[0].Index)

	// committees keep roster order
	require.NoError(t, store.Committees.Upsert(ctx, domain.Committee{Slot: 96, Index: 1, Validators: []domain.ValidatorIndex{10, 9}}))
	c, err := store.Committees.Get(ctx, domain.CommitteeKey{Slot: 96, Index: 1})
	require.NoError(t, err)
	require.Equal(t, []domain.ValidatorIndex{10, 9}, c.Validators)

	require.NoError(t, store.Proposers.Create(ctx, 96, 7))
	require.NoError(t, store.Proposers.Create(ctx, 96, 8))
	duty, err := store.Proposers.Get(ctx, 96)
	require.NoError(t, err)
	require.Equal(t, domain.ValidatorIndex(7), duty.ValidatorIndex)

	_, err = store.Proposers.Get(ctx, 97)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

var _ Executor = (pgx.Tx)(nil)
