package services

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

// Attendance says whether one committee member's vote is in an aggregate.
type Attendance struct {
	Validator      domain.ValidatorIndex
	CommitteeIndex domain.CommitteeIndex
	Attested       bool
}

// DecodeBits parses a hex bit-vector, with or without 0x prefix.
func DecodeBits(bitsHex string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(bitsHex, "0x"), "0X")
	bits, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregation bits %q: %v", domain.ErrFormat, bitsHex, err)
	}
	return bits, nil
}

// bitAt reads bit i of a byte-packed vector, most significant bit of each byte first.
func bitAt(bits []byte, i int) bool {
	return bits[i/8]&(0x80>>uint(i%8)) != 0
}

// Decode maps each bit of the aggregation bits to the committee member at the same
// position. It returns exactly len(committee.Validators) entries.
func Decode(bitsHex string, committee domain.Committee) ([]Attendance, error) {
	return DecodeAggregate(bitsHex, []domain.Committee{committee})
}

// DecodeAggregate decodes aggregation bits spanning the concatenation of several
// committees, in the order given. The bitfield must be exactly as many bytes as the
// combined committee size needs.
func DecodeAggregate(bitsHex string, committees []domain.Committee) ([]Attendance, error) {
	bits, err := DecodeBits(bitsHex)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, c := range committees {
		total += len(c.Validators)
	}
	if want := (total + 7) / 8; len(bits) != want {
		return nil, fmt.Errorf("%w: committee size %d needs %d bitfield bytes, got %d",
			domain.ErrConsistency, total, want, len(bits))
	}

	out := make([]Attendance, 0, total)
	bitBase := 0
	for _, c := range committees {
		for pos, v := range c.Validators {
			out = append(out, Attendance{
				Validator:      v,
				CommitteeIndex: c.Index,
				Attested:       bitAt(bits, bitBase+pos),
			})
		}
		bitBase += len(c.Validators)
	}
	return out, nil
}

// AttestationRecords turns decoded attendance into records credited to the
// attestation's target epoch.
func AttestationRecords(att domain.Attestation, attendance []Attendance) []domain.AttestationRecord {
	out := make([]domain.AttestationRecord, 0, len(attendance))
	for _, a := range attendance {
		out = append(out, domain.AttestationRecord{
			Epoch:          att.TargetEpoch,
			Validator:      a.Validator,
			Slot:           att.Slot,
			CommitteeIndex: a.CommitteeIndex,
			Attested:       a.Attested,
		})
	}
	return out
}

// DedupRecords merges records sharing an (epoch, validator) key so a batch writes each
// key once. Attested wins over not attested; the first attested copy supplies slot and
// committee. Order of first appearance is kept.
func DedupRecords(records []domain.AttestationRecord) []domain.AttestationRecord {
	pos := make(map[domain.AttestationKey]int, len(records))
	out := make([]domain.AttestationRecord, 0, len(records))
	for _, r := range records {
		i, seen := pos[r.Key()]
		if !seen {
			pos[r.Key()] = len(out)
			out = append(out, r)
			continue
		}
		if r.Attested && !out[i].Attested {
			out[i] = r
		}
	}
	return out
}
