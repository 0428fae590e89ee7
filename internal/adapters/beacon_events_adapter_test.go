package adapters

import (
	"fmt"
	"testing"

	"github.com/attestantio/go-eth2-client/api"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

func TestBitlistToHex(t *testing.T) {
	// 0x0d = 0000 1101: length bit at position 3, bits 0 and 2 set
	require.Equal(t, "0xa0", bitlistToHex(bitfield.Bitlist{0x0d}))

	// nine bits, only bit 8 set: 0x00 0x03
	require.Equal(t, "0x0080", bitlistToHex(bitfield.Bitlist{0x00, 0x03}))

	bl := bitfield.NewBitlist(16)
	bl.SetBitAt(0, true)
	bl.SetBitAt(15, true)
	require.Equal(t, "0x8001", bitlistToHex(bl))
}

func TestParseAttestationEvent(t *testing.T) {
	payload := []byte(`{
		"aggregation_bits": "0x0d",
		"data": {
			"slot": "1234",
			"index": "3",
			"beacon_block_root": "0x00",
			"source": {"epoch": "37", "root": "0x00"},
			"target": {"epoch": "38", "root": "0x00"}
		},
		"signature": "0x00"
	}`)

	att, err := parseAttestationEvent(payload)
	require.NoError(t, err)
	require.Equal(t, domain.Attestation{
		Slot:            1234,
		CommitteeIndex:  3,
		TargetEpoch:     38,
		AggregationBits: "0xa0",
	}, att)
	require.Equal(t, []domain.CommitteeIndex{3}, att.Committees())
}

func TestParseAttestationEventCommitteeBits(t *testing.T) {
	payload := []byte(`{
		"aggregation_bits": "0xff01",
		"committee_bits": "0x0500000000000000",
		"data": {"slot": "64", "index": "0", "target": {"epoch": "2"}}
	}`)

	att, err := parseAttestationEvent(payload)
	require.NoError(t, err)
	require.Equal(t, []domain.CommitteeIndex{0, 2}, att.CommitteeBits)
	require.Equal(t, "0xff", att.AggregationBits)
}

func TestParseAttestationEventRejectsMalformed(t *testing.T) {
	cases := []string{
		`{`,
		`{"aggregation_bits":"0x0d","data":{"slot":"x","index":"0","target":{"epoch":"1"}}}`,
		`{"aggregation_bits":"0xzz","data":{"slot":"1","index":"0","target":{"epoch":"1"}}}`,
		`{"aggregation_bits":"0x00","data":{"slot":"1","index":"0","target":{"epoch":"1"}}}`,
		`{"aggregation_bits":"0x01","committee_bits":"0x01","data":{"slot":"1","index":"0","target":{"epoch":"1"}}}`,
	}
	for _, payload := range cases {
		_, err := parseAttestationEvent([]byte(payload))
		require.ErrorIs(t, err, domain.ErrFormat, payload)
	}
}

func TestClassify(t *testing.T) {
	err := classify(&api.Error{StatusCode: 404}, "block %d", 5)
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = classify(fmt.Errorf("wrapped: %w", &api.Error{StatusCode: 503}), "block %d", 5)
	require.ErrorIs(t, err, domain.ErrNetwork)
	require.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestValidatorStates(t *testing.T) {
	states, err := validatorStates([]domain.ValidatorStatus{
		domain.ValidatorStatusActiveOngoing,
		domain.ValidatorStatusExitedSlashed,
	})
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, "active_ongoing", states[0].String())

	_, err = validatorStates([]domain.ValidatorStatus{"sleeping"})
	require.ErrorIs(t, err, domain.ErrFormat)
}
