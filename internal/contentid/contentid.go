// Package contentid turns a resolved name record into the identifier used to
// address module bytes in the content store.
package contentid

import (
	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

const (
	// AddressLen is the length of a resolved address record.
	AddressLen = 20
	// ContentHashLen is the length of a resolved content-hash record.
	ContentHashLen = 32
	// Len is the length of an assembled identifier.
	Len = 46

	scratchLen = AddressLen + ContentHashLen
)

// Identifier is the 46-byte content identifier. The bytes are used as-is
// and are not guaranteed to be printable or valid UTF-8.
type Identifier string

func (id Identifier) String() string { return string(id) }

// Bytes returns a copy of the identifier bytes.
func (id Identifier) Bytes() []byte { return []byte(id) }

// Assemble concatenates address and contentHash into a 52-byte scratch buffer
// and keeps the first 46 bytes. Existing name records were published against
// this layout, so the trailing six bytes of the content hash are dropped.
func Assemble(address, contentHash []byte) (Identifier, error) {
	if len(address) != AddressLen {
		return "", gwerrors.Errorf(gwerrors.KindInvalidIdentifierInput,
			"address is %d bytes, want %d", len(address), AddressLen)
	}
	if len(contentHash) != ContentHashLen {
		return "", gwerrors.Errorf(gwerrors.KindInvalidIdentifierInput,
			"content hash is %d bytes, want %d", len(contentHash), ContentHashLen)
	}

	var buf [scratchLen]byte
	copy(buf[:AddressLen], address)
	copy(buf[AddressLen:], contentHash)
	return Identifier(buf[:Len]), nil
}
