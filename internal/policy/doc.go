// Package policy holds the per-slot access policy of a TDMA superframe.
//
// A Table maps every slot index in [0, SlotCount) to the set of senders and
// receivers allowed to use it, together with the traffic identifiers (TIDs)
// each of them may transmit. Slots without entries carry no traffic.
package policy
