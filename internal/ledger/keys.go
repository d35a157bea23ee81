package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Key is the 32-byte word the ledger keys escrows by. The canonical invoice
// ID is a 128-bit UUID: its 16 bytes are copied left-aligned and the
// trailing 16 bytes are zero.
type Key [32]byte

// KeyFromInvoiceID encodes a UUID as a ledger key.
func KeyFromInvoiceID(id uuid.UUID) Key {
	var k Key
	copy(k[:16], id[:])
	return k
}

// InvoiceID recovers the UUID from a ledger key. It rejects keys whose
// trailing 16 bytes are not zero, since those cannot have come from a
// well-formed invoice ID.
func (k Key) InvoiceID() (uuid.UUID, error) {
	for _, b := range k[16:] {
		if b != 0 {
			return uuid.Nil, fmt.Errorf("ledger: key %s has non-zero padding", k.Hex())
		}
	}
	var id uuid.UUID
	copy(id[:], k[:16])
	return id, nil
}

// Hex returns the 0x-prefixed hex form used in logs and wire payloads.
func (k Key) Hex() string {
	return "0x" + hex.EncodeToString(k[:])
}

// KeyFromHex parses a 0x-prefixed 64-digit hex string into a Key.
func KeyFromHex(s string) (Key, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("ledger: bad key hex: %w", err)
	}
	if len(raw) != 32 {
		return Key{}, fmt.Errorf("ledger: key must be 32 bytes, got %d", len(raw))
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}
