package adapters

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/prysmaticlabs/go-bitfield"
	"github.com/r3labs/sse/v2"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/logger"
)

const (
	attestationTopicPath = "/eth/v1/events?topics=attestation"
	eventBuffer          = 256
)

// attestationEventJSON is the payload of an "attestation" event. Electra payloads
// also carry committee_bits.
type attestationEventJSON struct {
	AggregationBits string `json:"aggregation_bits"`
	CommitteeBits   string `json:"committee_bits"`
	Data            struct {
		Slot   string `json:"slot"`
		Index  string `json:"index"`
		Target struct {
			Epoch string `json:"epoch"`
		} `json:"target"`
	} `json:"data"`
}

// subscribeAttestations streams attestation events until ctx is cancelled or the
// client gives up reconnecting. Sends block while the consumer is busy.
func subscribeAttestations(ctx context.Context, endpoint string) (<-chan domain.AttestationEvent, error) {
	client := sse.NewClient(endpoint + attestationTopicPath)
	client.Headers["Accept"] = "text/event-stream"
	client.OnDisconnect(func(_ *sse.Client) {
		logger.Warn("Attestation event stream disconnected, reconnecting")
	})

	out := make(chan domain.AttestationEvent, eventBuffer)
	go func() {
		defer close(out)
		err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			att, err := parseAttestationEvent(msg.Data)
			select {
			case out <- domain.AttestationEvent{Attestation: att, Err: err}:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("Attestation event stream ended: %v", err)
			select {
			case out <- domain.AttestationEvent{Err: fmt.Errorf("%w: event stream: %w", domain.ErrNetwork, err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// parseAttestationEvent decodes one event payload. Aggregation bits arrive as an SSZ
// bitlist and are normalised to the domain's most-significant-bit-first vector.
func parseAttestationEvent(data []byte) (domain.Attestation, error) {
	var raw attestationEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Attestation{}, fmt.Errorf("%w: attestation event: %v", domain.ErrFormat, err)
	}

	slot, err := parseQuantity("data.slot", raw.Data.Slot)
	if err != nil {
		return domain.Attestation{}, err
	}
	index, err := parseQuantity("data.index", raw.Data.Index)
	if err != nil {
		return domain.Attestation{}, err
	}
	target, err := parseQuantity("data.target.epoch", raw.Data.Target.Epoch)
	if err != nil {
		return domain.Attestation{}, err
	}

	bits, err := decodeHex("aggregation_bits", raw.AggregationBits)
	if err != nil {
		return domain.Attestation{}, err
	}
	bitlist := bitfield.Bitlist(bits)
	if len(bits) == 0 || bits[len(bits)-1] == 0 {
		return domain.Attestation{}, fmt.Errorf("%w: aggregation_bits %q has no length bit", domain.ErrFormat, raw.AggregationBits)
	}

	att := domain.Attestation{
		Slot:            domain.Slot(slot),
		CommitteeIndex:  domain.CommitteeIndex(index),
		TargetEpoch:     domain.Epoch(target),
		AggregationBits: bitlistToHex(bitlist),
	}

	if raw.CommitteeBits != "" {
		committeeBits, err := decodeHex("committee_bits", raw.CommitteeBits)
		if err != nil {
			return domain.Attestation{}, err
		}
		if len(committeeBits) != 8 {
			return domain.Attestation{}, fmt.Errorf("%w: committee_bits must be 8 bytes, got %d", domain.ErrFormat, len(committeeBits))
		}
		for _, idx := range bitfield.Bitvector64(committeeBits).BitIndices() {
			att.CommitteeBits = append(att.CommitteeBits, domain.CommitteeIndex(idx))
		}
	}
	return att, nil
}

// bitlistToHex re-packs an SSZ bitlist (least significant bit first, trailing length
// bit) as a most-significant-bit-first hex vector without the length bit.
func bitlistToHex(bl bitfield.Bitlist) string {
	n := bl.Len()
	out := make([]byte, (n+7)/8)
	for i := uint64(0); i < n; i++ {
		if bl.BitAt(i) {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return "0x" + hex.EncodeToString(out)
}

func parseQuantity(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", domain.ErrFormat, field, s, err)
	}
	return v, nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", domain.ErrFormat, field, s, err)
	}
	return b, nil
}
