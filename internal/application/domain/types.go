package domain

import "math"

// Basic consensus types
type Epoch uint64
type Slot uint64
type ValidatorIndex uint64
type CommitteeIndex uint64

const (
	SlotsPerEpoch  = Slot(32)              // Ethereum consensus constant
	FarFutureEpoch = Epoch(math.MaxUint64) // exit epoch of a validator that never exited
)

// Epoch returns the epoch containing the slot.
func (s Slot) Epoch() Epoch {
	return Epoch(s / SlotsPerEpoch)
}

// StartSlot returns the first slot of the epoch.
func (e Epoch) StartSlot() Slot {
	return Slot(uint64(e) * uint64(SlotsPerEpoch))
}

// EndSlot returns the last slot of the epoch.
func (e Epoch) EndSlot() Slot {
	return e.StartSlot() + SlotsPerEpoch - 1
}

// EpochRecord is the persisted view of one epoch.
type EpochRecord struct {
	Index            Epoch
	ActiveValidators uint64
	TotalValidators  uint64
	// Attestations is derived: number of attested records credited to this epoch.
	Attestations uint64
}

// Validator is the persisted view of a validator.
type Validator struct {
	Index           ValidatorIndex
	Pubkey          string
	ActivationEpoch Epoch
	ExitEpoch       Epoch
	// Attestations is derived: number of epochs this validator has an attested record for.
	Attestations uint64
}

// ActiveAt reports whether the validator is active during the given epoch.
func (v Validator) ActiveAt(epoch Epoch) bool {
	return v.ActivationEpoch <= epoch && epoch < v.ExitEpoch
}

// ValidatorStatus mirrors the beacon API validator status strings.
type ValidatorStatus string

const (
	ValidatorStatusPendingInitialized ValidatorStatus = "pending_initialized"
	ValidatorStatusPendingQueued      ValidatorStatus = "pending_queued"
	ValidatorStatusActiveOngoing      ValidatorStatus = "active_ongoing"
	ValidatorStatusActiveExiting      ValidatorStatus = "active_exiting"
	ValidatorStatusActiveSlashed      ValidatorStatus = "active_slashed"
	ValidatorStatusExitedUnslashed    ValidatorStatus = "exited_unslashed"
	ValidatorStatusExitedSlashed      ValidatorStatus = "exited_slashed"
	ValidatorStatusWithdrawalPossible ValidatorStatus = "withdrawal_possible"
	ValidatorStatusWithdrawalDone     ValidatorStatus = "withdrawal_done"
)

// ValidatorSnapshot is a validator as reported by the beacon node for some state.
type ValidatorSnapshot struct {
	Index           ValidatorIndex
	Pubkey          string
	ActivationEpoch Epoch
	ExitEpoch       Epoch
	Status          ValidatorStatus
}

// Validator converts the snapshot into its persisted form.
func (s ValidatorSnapshot) Validator() Validator {
	return Validator{
		Index:           s.Index,
		Pubkey:          s.Pubkey,
		ActivationEpoch: s.ActivationEpoch,
		ExitEpoch:       s.ExitEpoch,
	}
}

// CommitteeKey identifies a beacon committee.
type CommitteeKey struct {
	Slot  Slot
	Index CommitteeIndex
}

// Committee is an ordered list of validators assigned to attest at (slot, index).
// The position of a validator in Validators is its bit position in aggregation bits.
type Committee struct {
	Slot       Slot
	Index      CommitteeIndex
	Validators []ValidatorIndex
}

func (c Committee) Key() CommitteeKey {
	return CommitteeKey{Slot: c.Slot, Index: c.Index}
}

// EpochCommittees maps committee key -> committee for every committee of one epoch.
type EpochCommittees map[CommitteeKey]Committee

// NewEpochCommittees indexes a committee list by key.
func NewEpochCommittees(committees []Committee) EpochCommittees {
	out := make(EpochCommittees, len(committees))
	for _, c := range committees {
		out[c.Key()] = c
	}
	return out
}

// AttestationKey identifies an attestation record. There is at most one record per key.
type AttestationKey struct {
	Epoch     Epoch
	Validator ValidatorIndex
}

// AttestationRecord says whether a validator attested in an epoch.
// Once Attested is true for a key it is never written back to false.
type AttestationRecord struct {
	Epoch          Epoch
	Validator      ValidatorIndex
	Slot           Slot
	CommitteeIndex CommitteeIndex
	Attested       bool
}

func (r AttestationRecord) Key() AttestationKey {
	return AttestationKey{Epoch: r.Epoch, Validator: r.Validator}
}

// ProposerDuty records which validator proposed the block at a slot.
type ProposerDuty struct {
	ValidatorIndex ValidatorIndex
	Slot           Slot
}

// Attestation is a simplified representation of a beacon attestation, as found in a
// block body or on the event stream.
type Attestation struct {
	// Slot that the attestation data refers to (the duty slot).
	Slot Slot

	// CommitteeIndex from the attestation data.
	CommitteeIndex CommitteeIndex

	// CommitteeBits lists the committees aggregated in this attestation, in order.
	// Empty for single-committee attestations, which use CommitteeIndex.
	CommitteeBits []CommitteeIndex

	// TargetEpoch is the epoch being credited.
	TargetEpoch Epoch

	// AggregationBits is the hex encoded participation bit-vector.
	AggregationBits string
}

// Committees returns the committee indices covered by the attestation, in bit order.
func (a Attestation) Committees() []CommitteeIndex {
	if len(a.CommitteeBits) > 0 {
		return a.CommitteeBits
	}
	return []CommitteeIndex{a.CommitteeIndex}
}

// AttestationEvent is one item of the live attestation stream.
type AttestationEvent struct {
	Attestation Attestation
	Err         error
}

// BlockHeader is the part of a block header the indexer needs.
type BlockHeader struct {
	Slot          Slot
	ProposerIndex ValidatorIndex
	Root          string
}

// Checkpoint is an (epoch, root) pair.
type Checkpoint struct {
	Epoch Epoch
	Root  string
}

type FinalityCheckpoints struct {
	PreviousJustified Checkpoint
	CurrentJustified  Checkpoint
	Finalized         Checkpoint
}
