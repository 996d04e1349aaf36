package policy

import (
	"strconv"
	"strings"
)

// TIDMask is the set of traffic identifiers 0-7, one bit per TID.
type TIDMask uint8

// AllTIDs allows every traffic identifier.
const AllTIDs TIDMask = 0xFF

// Has reports whether tid is set in the mask.
func (m TIDMask) Has(tid uint8) bool {
	return tid < 8 && m&(1<<tid) != 0
}

// TIDs lists the identifiers set in the mask in ascending order.
func (m TIDMask) TIDs() []uint8 {
	tids := make([]uint8, 0, 8)
	for tid := uint8(0); tid < 8; tid++ {
		if m.Has(tid) {
			tids = append(tids, tid)
		}
	}
	return tids
}

// String renders the mask as a list like "{0,5,7}".
func (m TIDMask) String() string {
	parts := make([]string, 0, 8)
	for _, tid := range m.TIDs() {
		parts = append(parts, strconv.Itoa(int(tid)))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// TIDFromToS derives the 802.11e traffic identifier from a ToS byte.
func TIDFromToS(tos uint8) uint8 {
	priority := (tos & 0x1E) >> 1
	return priority & 0x7
}

// MaskFromToS ORs together the TID bits of every ToS byte.
func MaskFromToS(tos ...uint8) TIDMask {
	var mask TIDMask
	for _, b := range tos {
		mask |= 1 << TIDFromToS(b)
	}
	return mask
}
