package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a 6-byte hardware address.
type Address [6]byte

// Broadcast is the wildcard address matching any sender or receiver.
var Broadcast = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// String renders the address in the XX:XX:XX:XX:XX:XX form the daemon expects.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsBroadcast reports whether a is the wildcard address.
func (a Address) IsBroadcast() bool {
	return a == Broadcast
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses six hex groups separated by ':' or '-'.
func ParseAddress(s string) (Address, error) {
	var addr Address

	s = strings.TrimSpace(s)
	sep := ":"
	if strings.Contains(s, "-") {
		sep = "-"
	}

	groups := strings.Split(s, sep)
	if len(groups) != len(addr) {
		return Address{}, fmt.Errorf("invalid hardware address %q: want 6 groups, got %d", s, len(groups))
	}

	for i, group := range groups {
		if len(group) != 2 {
			return Address{}, fmt.Errorf("invalid hardware address %q: group %d is not two hex digits", s, i)
		}
		b, err := strconv.ParseUint(group, 16, 8)
		if err != nil {
			return Address{}, fmt.Errorf("invalid hardware address %q: %w", s, err)
		}
		addr[i] = byte(b)
	}

	return addr, nil
}

// MustParseAddress is like ParseAddress but panics on malformed input.
// Intended for constants and tests.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}
