package policy

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrOutOfRange is returned for slot indices outside [0, SlotCount).
var ErrOutOfRange = errors.New("OUT_OF_RANGE")

// Superframe describes the repeating slot cycle.
type Superframe struct {
	SlotCount int
	// SlotDuration is handed to the daemon in whole microseconds.
	SlotDuration time.Duration
}

// Micros returns the slot duration in microseconds.
func (f Superframe) Micros() int64 {
	return f.SlotDuration.Microseconds()
}

// Validate checks the superframe before a table is built on it.
func (f Superframe) Validate() error {
	if f.SlotCount <= 0 {
		return fmt.Errorf("slot count must be positive, got %d", f.SlotCount)
	}
	if f.SlotDuration < time.Microsecond {
		return fmt.Errorf("slot duration must be at least 1us, got %s", f.SlotDuration)
	}
	if f.SlotDuration%time.Microsecond != 0 {
		return fmt.Errorf("slot duration %s is not a whole number of microseconds", f.SlotDuration)
	}
	return nil
}

// Entry grants an address the traffic identifiers in Mask.
type Entry struct {
	Address Address `json:"address"`
	Mask    TIDMask `json:"mask"`
}

// AllowAllEntry lets any address send any TID.
var AllowAllEntry = Entry{Address: Broadcast, Mask: AllTIDs}

// SlotEntry is an Entry tagged with its slot index.
type SlotEntry struct {
	Slot int
	Entry
}

// Table maps slot indices to their entry sets. The zero Table is not usable;
// build one with NewTable. A Table is not safe for concurrent use.
type Table struct {
	frame Superframe
	slots map[int]map[Address]TIDMask
}

// NewTable creates an empty table for the given superframe.
func NewTable(frame Superframe) *Table {
	return &Table{
		frame: frame,
		slots: make(map[int]map[Address]TIDMask),
	}
}

// Superframe returns the superframe the table was built for.
func (t *Table) Superframe() Superframe {
	return t.frame
}

func (t *Table) checkSlot(slot int) error {
	if slot < 0 || slot >= t.frame.SlotCount {
		return fmt.Errorf("%w: slot %d not in [0, %d)", ErrOutOfRange, slot, t.frame.SlotCount)
	}
	return nil
}

// SetPolicy replaces the entry set of slot. Entries repeating an address
// are merged by OR-ing their masks.
func (t *Table) SetPolicy(slot int, entries []Entry) error {
	if err := t.checkSlot(slot); err != nil {
		return err
	}

	set := make(map[Address]TIDMask, len(entries))
	for _, e := range entries {
		set[e.Address] |= e.Mask
	}
	t.slots[slot] = set
	return nil
}

// Policy returns the entries of slot sorted by address. The result is never
// nil; an empty slice means no traffic is allowed.
func (t *Table) Policy(slot int) ([]Entry, error) {
	if err := t.checkSlot(slot); err != nil {
		return nil, err
	}

	set := t.slots[slot]
	entries := make([]Entry, 0, len(set))
	for addr, mask := range set {
		entries = append(entries, Entry{Address: addr, Mask: mask})
	}
	sortEntries(entries)
	return entries, nil
}

// RemovePolicy blocks all traffic in slot.
func (t *Table) RemovePolicy(slot int) error {
	return t.SetPolicy(slot, nil)
}

// SetAllowAll lets any address send any TID in slot.
func (t *Table) SetAllowAll(slot int) error {
	return t.SetPolicy(slot, []Entry{AllowAllEntry})
}

// AddEntryByToS ORs the TIDs derived from the ToS bytes into the mask of
// address in slot, creating the entry if needed. Other addresses in the slot
// are left untouched.
func (t *Table) AddEntryByToS(slot int, address Address, tos []uint8) error {
	if err := t.checkSlot(slot); err != nil {
		return err
	}

	set, ok := t.slots[slot]
	if !ok {
		set = make(map[Address]TIDMask)
		t.slots[slot] = set
	}
	set[address] |= MaskFromToS(tos...)
	return nil
}

// Slots lists the slot indices that hold at least one entry, ascending.
func (t *Table) Slots() []int {
	slots := make([]int, 0, len(t.slots))
	for slot, set := range t.slots {
		if len(set) > 0 {
			slots = append(slots, slot)
		}
	}
	sort.Ints(slots)
	return slots
}

// Entries flattens the table in ascending slot, then address order.
func (t *Table) Entries() []SlotEntry {
	var out []SlotEntry
	for _, slot := range t.Slots() {
		entries, _ := t.Policy(slot)
		for _, e := range entries {
			out = append(out, SlotEntry{Slot: slot, Entry: e})
		}
	}
	return out
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := NewTable(t.frame)
	for slot, set := range t.slots {
		cp := make(map[Address]TIDMask, len(set))
		for addr, mask := range set {
			cp[addr] = mask
		}
		c.slots[slot] = cp
	}
	return c
}

// sortEntries orders by the textual address form, which for fixed-width
// upper-case hex matches byte order.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address.String() < entries[j].Address.String()
	})
}
