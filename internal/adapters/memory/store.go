// Package memory is an in-process implementation of the repository ports. It backs
// dry runs (STORE_BACKEND=memory) and the service tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
)

type Store struct {
	mu           sync.RWMutex
	epochs       map[domain.Epoch]domain.EpochRecord
	validators   map[domain.ValidatorIndex]domain.Validator
	committees   map[domain.CommitteeKey]domain.Committee
	attestations map[domain.AttestationKey]domain.AttestationRecord
	proposers    map[domain.Slot]domain.ValidatorIndex
}

func New() *Store {
	return &Store{
		epochs:       make(map[domain.Epoch]domain.EpochRecord),
		validators:   make(map[domain.ValidatorIndex]domain.Validator),
		committees:   make(map[domain.CommitteeKey]domain.Committee),
		attestations: make(map[domain.AttestationKey]domain.AttestationRecord),
		proposers:    make(map[domain.Slot]domain.ValidatorIndex),
	}
}

// Repositories returns the port views over the store.
func (s *Store) Repositories() ports.Store {
	return ports.Store{
		Epochs:       epochRepository{s},
		Validators:   validatorRepository{s},
		Committees:   committeeRepository{s},
		Attestations: attestationRepository{s},
		Proposers:    proposerRepository{s},
	}
}

// ProposerCount returns the number of recorded proposer duties.
func (s *Store) ProposerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.proposers)
}

// AttestationCount returns the number of attestation records, attested or not.
func (s *Store) AttestationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attestations)
}

func notFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{domain.ErrNotFound}, args...)...)
}

// ---- epochs ----

type epochRepository struct{ s *Store }

func (r epochRepository) Get(_ context.Context, epoch domain.Epoch) (domain.EpochRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rec, ok := r.s.epochs[epoch]
	if !ok {
		return domain.EpochRecord{}, notFound("epoch %d", epoch)
	}
	rec.Attestations = r.s.attestedInEpoch(epoch)
	return rec, nil
}

func (r epochRepository) Create(_ context.Context, epoch domain.Epoch, active, total uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.epochs[epoch]; ok {
		return nil
	}
	r.s.epochs[epoch] = domain.EpochRecord{Index: epoch, ActiveValidators: active, TotalValidators: total}
	return nil
}

func (r epochRepository) Latest(ctx context.Context) (domain.EpochRecord, error) {
	r.s.mu.RLock()
	found := false
	var latest domain.Epoch
	for e := range r.s.epochs {
		if !found || e > latest {
			latest, found = e, true
		}
	}
	r.s.mu.RUnlock()
	if !found {
		return domain.EpochRecord{}, notFound("no epochs")
	}
	return r.Get(ctx, latest)
}

func (s *Store) attestedInEpoch(epoch domain.Epoch) uint64 {
	var n uint64
	for k, a := range s.attestations {
		if k.Epoch == epoch && a.Attested {
			n++
		}
	}
	return n
}

// ---- validators ----

type validatorRepository struct{ s *Store }

func (r validatorRepository) Get(_ context.Context, index domain.ValidatorIndex) (domain.Validator, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	v, ok := r.s.validators[index]
	if !ok {
		return domain.Validator{}, notFound("validator %d", index)
	}
	for k, a := range r.s.attestations {
		if k.Validator == index && a.Attested {
			v.Attestations++
		}
	}
	return v, nil
}

func (r validatorRepository) GetActive(_ context.Context, epoch domain.Epoch) ([]domain.Validator, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Validator
	for _, v := range r.s.validators {
		if v.ActiveAt(epoch) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r validatorRepository) ActiveCount(ctx context.Context, epoch domain.Epoch) (uint64, error) {
	active, err := r.GetActive(ctx, epoch)
	return uint64(len(active)), err
}

func (r validatorRepository) TotalCount(_ context.Context, epoch domain.Epoch) (uint64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var n uint64
	for _, v := range r.s.validators {
		if v.ActivationEpoch <= epoch {
			n++
		}
	}
	return n, nil
}

func (r validatorRepository) Upsert(ctx context.Context, v domain.Validator) error {
	return r.UpsertBatch(ctx, []domain.Validator{v})
}

func (r validatorRepository) UpsertBatch(_ context.Context, validators []domain.Validator) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, v := range validators {
		v.Attestations = 0
		r.s.validators[v.Index] = v
	}
	return nil
}

// ---- committees ----

type committeeRepository struct{ s *Store }

func copyCommittee(c domain.Committee) domain.Committee {
	c.Validators = append([]domain.ValidatorIndex(nil), c.Validators...)
	return c
}

func (r committeeRepository) Get(_ context.Context, key domain.CommitteeKey) (domain.Committee, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.committees[key]
	if !ok {
		return domain.Committee{}, notFound("committee slot %d index %d", key.Slot, key.Index)
	}
	return copyCommittee(c), nil
}

func (r committeeRepository) GetMany(_ context.Context, keys []domain.CommitteeKey) ([]domain.Committee, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Committee, 0, len(keys))
	for _, k := range keys {
		if c, ok := r.s.committees[k]; ok {
			out = append(out, copyCommittee(c))
		}
	}
	return out, nil
}

func (r committeeRepository) Upsert(ctx context.Context, c domain.Committee) error {
	return r.UpsertBatch(ctx, []domain.Committee{c})
}

func (r committeeRepository) UpsertBatch(_ context.Context, committees []domain.Committee) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range committees {
		r.s.committees[c.Key()] = copyCommittee(c)
	}
	return nil
}

// ---- attestations ----

type attestationRepository struct{ s *Store }

func (r attestationRepository) Get(_ context.Context, key domain.AttestationKey) (domain.AttestationRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.attestations[key]
	if !ok {
		return domain.AttestationRecord{}, notFound("attestation epoch %d validator %d", key.Epoch, key.Validator)
	}
	return a, nil
}

func (r attestationRepository) GetMany(_ context.Context, keys []domain.AttestationKey) ([]domain.AttestationRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.AttestationRecord, 0, len(keys))
	for _, k := range keys {
		if a, ok := r.s.attestations[k]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r attestationRepository) Upsert(ctx context.Context, rec domain.AttestationRecord) error {
	return r.UpsertBatch(ctx, []domain.AttestationRecord{rec})
}

// UpsertBatch applies the same rule as the Postgres store: a persisted attested=true
// row is left untouched.
func (r attestationRepository) UpsertBatch(_ context.Context, records []domain.AttestationRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rec := range records {
		if cur, ok := r.s.attestations[rec.Key()]; ok && cur.Attested {
			continue
		}
		r.s.attestations[rec.Key()] = rec
	}
	return nil
}

// ---- proposers ----

type proposerRepository struct{ s *Store }

func (r proposerRepository) Create(_ context.Context, slot domain.Slot, validator domain.ValidatorIndex) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.proposers[slot]; !ok {
		r.s.proposers[slot] = validator
	}
	return nil
}

func (r proposerRepository) Get(_ context.Context, slot domain.Slot) (domain.ProposerDuty, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	v, ok := r.s.proposers[slot]
	if !ok {
		return domain.ProposerDuty{}, notFound("proposer for slot %d", slot)
	}
	return domain.ProposerDuty{Slot: slot, ValidatorIndex: v}, nil
}
