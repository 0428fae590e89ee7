package domain

import "strconv"

// BlockID references a block or a state on the beacon node: head, genesis, finalized,
// justified, a numeric slot or an explicit root.
type BlockID struct {
	kind string
	slot Slot
	root string
}

// StateID uses the same token grammar as BlockID.
type StateID = BlockID

var (
	Head      = BlockID{kind: "head"}
	Genesis   = BlockID{kind: "genesis"}
	Finalized = BlockID{kind: "finalized"}
	Justified = BlockID{kind: "justified"}
)

// AtSlot references the block or state at a slot.
func AtSlot(slot Slot) BlockID {
	return BlockID{kind: "slot", slot: slot}
}

// AtRoot references a block or state by its root hash.
func AtRoot(root string) BlockID {
	return BlockID{kind: "root", root: root}
}

// String returns the wire token.
func (id BlockID) String() string {
	switch id.kind {
	case "slot":
		return strconv.FormatUint(uint64(id.slot), 10)
	case "root":
		return id.root
	case "":
		return "head"
	default:
		return id.kind
	}
}
