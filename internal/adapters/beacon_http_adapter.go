package adapters

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"

	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	eth2http "github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/rs/zerolog"
)

// beaconHTTPClient implements ports.BeaconChainAdapter using go-eth2-client for REST
// queries and the SSE event stream for live attestations.
type beaconHTTPClient struct {
	client   *eth2http.Service
	endpoint string
}

// NewBeaconHTTPAdapter is the constructor used from main.go.
func NewBeaconHTTPAdapter(ctx context.Context, endpoint string) (ports.BeaconChainAdapter, error) {
	customHTTPClient := &nethttp.Client{
		Timeout: 2000 * time.Second, // global upper bound; per-request timeout below
	}

	client, err := eth2http.New(
		ctx,
		eth2http.WithAddress(endpoint),
		eth2http.WithHTTPClient(customHTTPClient),
		// This is the per-request timeout used by go-eth2-client.
		eth2http.WithTimeout(60*time.Second),
		// Silence go-eth2-client logs unless they are warnings+.
		eth2http.WithLogLevel(zerolog.WarnLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to beacon node: %w", domain.ErrNetwork, err)
	}

	return &beaconHTTPClient{
		client:   client.(*eth2http.Service),
		endpoint: strings.TrimSuffix(endpoint, "/"),
	}, nil
}

// classify maps a go-eth2-client error onto the domain error kinds.
func classify(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == nethttp.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrNetwork, what, err)
}

// HeaderForBlock returns the header of a block. Missed slot → 404 → ErrNotFound.
func (b *beaconHTTPClient) HeaderForBlock(ctx context.Context, block domain.BlockID) (domain.BlockHeader, error) {
	resp, err := b.client.BeaconBlockHeader(ctx, &api.BeaconBlockHeaderOpts{
		Block: block.String(),
	})
	if err != nil {
		return domain.BlockHeader{}, classify(err, "block header %s", block)
	}
	if resp == nil || resp.Data == nil || resp.Data.Header == nil || resp.Data.Header.Message == nil {
		return domain.BlockHeader{}, fmt.Errorf("%w: block header %s", domain.ErrNotFound, block)
	}

	msg := resp.Data.Header.Message
	return domain.BlockHeader{
		Slot:          domain.Slot(msg.Slot),
		ProposerIndex: domain.ValidatorIndex(msg.ProposerIndex),
		Root:          resp.Data.Root.String(),
	}, nil
}

// AttestationsForBlock returns all attestations included in a block, for every fork
// the client knows. Pre-Electra attestations cover the single committee of their
// data; Electra ones list their committees in committee_bits.
func (b *beaconHTTPClient) AttestationsForBlock(ctx context.Context, block domain.BlockID) ([]domain.Attestation, error) {
	resp, err := b.client.SignedBeaconBlock(ctx, &api.SignedBeaconBlockOpts{
		Block: block.String(),
	})
	if err != nil {
		return nil, classify(err, "block %s", block)
	}
	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: block %s", domain.ErrNotFound, block)
	}

	atts, err := resp.Data.Attestations()
	if err != nil {
		return nil, fmt.Errorf("%w: attestations of block %s: %v", domain.ErrFormat, block, err)
	}

	out := make([]domain.Attestation, 0, len(atts))
	for _, att := range atts {
		data, err := att.Data()
		if err != nil {
			return nil, fmt.Errorf("%w: attestation data in block %s: %v", domain.ErrFormat, block, err)
		}
		aggregationBits, err := att.AggregationBits()
		if err != nil {
			return nil, fmt.Errorf("%w: aggregation bits in block %s: %v", domain.ErrFormat, block, err)
		}

		a := domain.Attestation{
			Slot:            domain.Slot(data.Slot),
			CommitteeIndex:  domain.CommitteeIndex(data.Index),
			AggregationBits: bitlistToHex(aggregationBits),
		}
		if data.Target != nil {
			a.TargetEpoch = domain.Epoch(data.Target.Epoch)
		}

		if att.Version >= spec.DataVersionElectra {
			committeeBits, err := att.CommitteeBits()
			if err != nil {
				return nil, fmt.Errorf("%w: committee bits in block %s: %v", domain.ErrFormat, block, err)
			}
			for _, idx := range committeeBits.BitIndices() {
				a.CommitteeBits = append(a.CommitteeBits, domain.CommitteeIndex(idx))
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// CommitteesForState returns the committees of a state. The epoch filter is sent to
// the node; slot and index are applied here.
func (b *beaconHTTPClient) CommitteesForState(
	ctx context.Context,
	state domain.StateID,
	filter ports.CommitteeFilter,
) ([]domain.Committee, error) {
	opts := &api.BeaconCommitteesOpts{State: state.String()}
	if filter.Epoch != nil {
		e := phase0.Epoch(*filter.Epoch)
		opts.Epoch = &e
	}

	resp, err := b.client.BeaconCommittees(ctx, opts)
	if err != nil {
		return nil, classify(err, "committees for state %s", state)
	}

	result := make([]domain.Committee, 0, len(resp.Data))
	for _, c := range resp.Data {
		slot := domain.Slot(c.Slot)
		index := domain.CommitteeIndex(c.Index)
		if filter.Slot != nil && slot != *filter.Slot {
			continue
		}
		if filter.Index != nil && index != *filter.Index {
			continue
		}

		vals := make([]domain.ValidatorIndex, len(c.Validators))
		for i, v := range c.Validators {
			vals[i] = domain.ValidatorIndex(v)
		}
		result = append(result, domain.Committee{Slot: slot, Index: index, Validators: vals})
	}
	return result, nil
}

// ValidatorsForState returns validators of a state, optionally restricted to indices
// and statuses.
func (b *beaconHTTPClient) ValidatorsForState(
	ctx context.Context,
	state domain.StateID,
	ids []domain.ValidatorIndex,
	statuses []domain.ValidatorStatus,
) ([]domain.ValidatorSnapshot, error) {
	beaconIndices := make([]phase0.ValidatorIndex, 0, len(ids))
	for _, idx := range ids {
		beaconIndices = append(beaconIndices, phase0.ValidatorIndex(idx))
	}
	states, err := validatorStates(statuses)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Validators(ctx, &api.ValidatorsOpts{
		State:           state.String(),
		Indices:         beaconIndices,
		ValidatorStates: states,
	})
	if err != nil {
		return nil, classify(err, "validators for state %s", state)
	}

	out := make([]domain.ValidatorSnapshot, 0, len(resp.Data))
	for _, v := range resp.Data {
		if v == nil || v.Validator == nil {
			continue
		}
		out = append(out, domain.ValidatorSnapshot{
			Index:           domain.ValidatorIndex(v.Index),
			Pubkey:          v.Validator.PublicKey.String(),
			ActivationEpoch: domain.Epoch(v.Validator.ActivationEpoch),
			ExitEpoch:       domain.Epoch(v.Validator.ExitEpoch),
			Status:          domain.ValidatorStatus(v.Status.String()),
		})
	}
	return out, nil
}

// FinalityCheckpoints returns the justified and finalized checkpoints of a state.
func (b *beaconHTTPClient) FinalityCheckpoints(ctx context.Context, state domain.StateID) (domain.FinalityCheckpoints, error) {
	finality, err := b.client.Finality(ctx, &api.FinalityOpts{State: state.String()})
	if err != nil {
		return domain.FinalityCheckpoints{}, classify(err, "finality for state %s", state)
	}
	return domain.FinalityCheckpoints{
		PreviousJustified: checkpoint(finality.Data.PreviousJustified),
		CurrentJustified:  checkpoint(finality.Data.Justified),
		Finalized:         checkpoint(finality.Data.Finalized),
	}, nil
}

// SubscribeAttestations opens the attestation topic of the node's event stream.
func (b *beaconHTTPClient) SubscribeAttestations(ctx context.Context) (<-chan domain.AttestationEvent, error) {
	return subscribeAttestations(ctx, b.endpoint)
}

func checkpoint(cp *phase0.Checkpoint) domain.Checkpoint {
	if cp == nil {
		return domain.Checkpoint{}
	}
	return domain.Checkpoint{Epoch: domain.Epoch(cp.Epoch), Root: cp.Root.String()}
}

var knownValidatorStates = []apiv1.ValidatorState{
	apiv1.ValidatorStatePendingInitialized,
	apiv1.ValidatorStatePendingQueued,
	apiv1.ValidatorStateActiveOngoing,
	apiv1.ValidatorStateActiveExiting,
	apiv1.ValidatorStateActiveSlashed,
	apiv1.ValidatorStateExitedUnslashed,
	apiv1.ValidatorStateExitedSlashed,
	apiv1.ValidatorStateWithdrawalPossible,
	apiv1.ValidatorStateWithdrawalDone,
}

func validatorStates(statuses []domain.ValidatorStatus) ([]apiv1.ValidatorState, error) {
	out := make([]apiv1.ValidatorState, 0, len(statuses))
	for _, status := range statuses {
		found := false
		for _, s := range knownValidatorStates {
			if s.String() == string(status) {
				out = append(out, s)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: unknown validator status %q", domain.ErrFormat, status)
		}
	}
	return out, nil
}
