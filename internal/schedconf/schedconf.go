// Package schedconf renders access policy tables into the scheduling
// daemon's configuration string and parses that string back.
//
// The wire form is a '#'-separated list of "slot,address,mask" records,
// ordered by ascending slot and then ascending address text. The order is
// fixed so identical tables always render to identical strings.
package schedconf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/freifunk-graviton/hybridmac/internal/policy"
)

const (
	// RecordSeparator separates records in a configuration string.
	RecordSeparator = "#"
	// FieldSeparator separates the fields of one record.
	FieldSeparator = ","
	// TerminateToken asks the daemon to shut down.
	TerminateToken = "TERMINATE"
)

// ErrMalformed is returned by Parse for records that do not follow the wire form.
var ErrMalformed = errors.New("malformed configuration record")

// Record is one slot,address,mask triple.
type Record struct {
	Slot    int
	Address policy.Address
	Mask    policy.TIDMask
}

// String renders the record in wire form.
func (r Record) String() string {
	var b strings.Builder
	writeRecord(&b, r.Slot, r.Address, r.Mask)
	return b.String()
}

// Serialize renders every populated slot of t.
func Serialize(t *policy.Table) string {
	var b strings.Builder
	for i, se := range t.Entries() {
		if i > 0 {
			b.WriteString(RecordSeparator)
		}
		writeRecord(&b, se.Slot, se.Address, se.Mask)
	}
	return b.String()
}

// SerializeAllowAll renders one allow-all record per slot in [0, slotCount),
// independent of any table.
func SerializeAllowAll(slotCount int) string {
	var b strings.Builder
	for slot := 0; slot < slotCount; slot++ {
		if slot > 0 {
			b.WriteString(RecordSeparator)
		}
		writeRecord(&b, slot, policy.Broadcast, policy.AllTIDs)
	}
	return b.String()
}

func writeRecord(b *strings.Builder, slot int, addr policy.Address, mask policy.TIDMask) {
	b.WriteString(strconv.Itoa(slot))
	b.WriteString(FieldSeparator)
	b.WriteString(addr.String())
	b.WriteString(FieldSeparator)
	b.WriteString(strconv.Itoa(int(mask)))
}

// Parse splits a configuration string into records. An empty string yields
// no records.
func Parse(s string) ([]Record, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, RecordSeparator)
	records := make([]Record, 0, len(parts))
	for i, part := range parts {
		rec, err := parseRecord(part)
		if err != nil {
			return nil, fmt.Errorf("record %d %q: %w", i, part, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRecord(s string) (Record, error) {
	fields := strings.Split(s, FieldSeparator)
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformed, len(fields))
	}

	slot, err := strconv.Atoi(fields[0])
	if err != nil || slot < 0 {
		return Record{}, fmt.Errorf("%w: bad slot %q", ErrMalformed, fields[0])
	}

	addr, err := policy.ParseAddress(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	mask, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad mask %q", ErrMalformed, fields[2])
	}

	return Record{Slot: slot, Address: addr, Mask: policy.TIDMask(mask)}, nil
}

// Apply loads records into t, replacing the policy of every slot they name.
// Records for the same slot accumulate.
func Apply(t *policy.Table, records []Record) error {
	bySlot := make(map[int][]policy.Entry)
	order := make([]int, 0)
	for _, r := range records {
		if _, seen := bySlot[r.Slot]; !seen {
			order = append(order, r.Slot)
		}
		bySlot[r.Slot] = append(bySlot[r.Slot], policy.Entry{Address: r.Address, Mask: r.Mask})
	}

	for _, slot := range order {
		if err := t.SetPolicy(slot, bySlot[slot]); err != nil {
			return err
		}
	}
	return nil
}
