package services

import (
	"context"
	"fmt"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
)

// Participation derives participation rates from the indexed records.
type Participation struct {
	Epochs     ports.EpochRepository
	Validators ports.ValidatorRepository
}

func NewParticipation(epochs ports.EpochRepository, validators ports.ValidatorRepository) *Participation {
	return &Participation{Epochs: epochs, Validators: validators}
}

// RateForEpoch returns attested records / active validators for the epoch.
func (p *Participation) RateForEpoch(ctx context.Context, epoch domain.Epoch) (float64, error) {
	rec, err := p.Epochs.Get(ctx, epoch)
	if err != nil {
		return 0, err
	}
	if rec.ActiveValidators == 0 {
		return 0, fmt.Errorf("%w: epoch %d has no active validators", domain.ErrDivision, epoch)
	}
	return float64(rec.Attestations) / float64(rec.ActiveValidators), nil
}

// RateForValidator returns attested epochs / active epochs for the validator, up to
// the latest indexed epoch or its exit, whichever comes first.
func (p *Participation) RateForValidator(ctx context.Context, index domain.ValidatorIndex) (float64, error) {
	v, err := p.Validators.Get(ctx, index)
	if err != nil {
		return 0, err
	}
	latest, err := p.Epochs.Latest(ctx)
	if err != nil {
		return 0, err
	}

	end := latest.Index
	if v.ExitEpoch <= end {
		end = v.ExitEpoch
	}
	if end <= v.ActivationEpoch {
		return 0, fmt.Errorf("%w: validator %d has no active epochs (activation %d, current %d)",
			domain.ErrDivision, index, v.ActivationEpoch, latest.Index)
	}
	return float64(v.Attestations) / float64(end-v.ActivationEpoch), nil
}
