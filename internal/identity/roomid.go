// Package identity resolves who a conversation is with: it owns the
// room id format and the lookup from a receiver's phone number to the
// room the pair should be talking in.
package identity

import "strings"

// Separator joins the two halves of a room id. Chosen so it can never
// appear inside a phone number or an account id.
const Separator = "-*-"

// RoomType says what the halves of a room id are.
type RoomType int

const (
	// TypeNumber rooms are keyed by the phone-number pair. They are
	// provisional: once both parties have accounts the room migrates.
	TypeNumber RoomType = iota
	// TypeAccount rooms are keyed by the account-id pair and are
	// permanent.
	TypeAccount
)

func (t RoomType) String() string {
	if t == TypeNumber {
		return "number"
	}
	return "account"
}

// RoomID joins two identifiers into a room id. The ordering is
// whatever the caller used; it is not canonical, and lookups must try
// both.
func RoomID(a, b string) string {
	return a + Separator + b
}

// Parts splits a room id into its two halves.
func Parts(roomID string) (string, string, bool) {
	return strings.Cut(roomID, Separator)
}

// Type classifies a room id. Both halves of a number-type id are phone
// numbers in international form, so both start with '+'.
func Type(roomID string) RoomType {
	a, b, ok := Parts(roomID)
	if ok && strings.HasPrefix(a, "+") && strings.HasPrefix(b, "+") {
		return TypeNumber
	}
	return TypeAccount
}

// Counterpart returns the half of the room id that is not self.
func Counterpart(roomID, self string) (string, bool) {
	a, b, ok := Parts(roomID)
	if !ok {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}
