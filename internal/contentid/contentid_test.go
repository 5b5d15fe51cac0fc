package contentid

import (
	"bytes"
	"testing"

	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

func seq(start byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func TestAssembleLayout(t *testing.T) {
	addr := seq(0x01, AddressLen)
	hash := seq(0x21, ContentHashLen)

	id, err := Assemble(addr, hash)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(id) != Len {
		t.Fatalf("len = %d, want %d", len(id), Len)
	}
	got := id.Bytes()
	if !bytes.Equal(got[:AddressLen], addr) {
		t.Errorf("prefix = %x, want %x", got[:AddressLen], addr)
	}
	if !bytes.Equal(got[AddressLen:], hash[:Len-AddressLen]) {
		t.Errorf("suffix = %x, want first 26 bytes of hash", got[AddressLen:])
	}
}

func TestAssembleDropsTrailingHashBytes(t *testing.T) {
	addr := seq(0x01, AddressLen)
	h1 := seq(0x21, ContentHashLen)
	h2 := append([]byte(nil), h1...)
	for i := 26; i < ContentHashLen; i++ {
		h2[i] = 0xff
	}

	a, _ := Assemble(addr, h1)
	b, _ := Assemble(addr, h2)
	if a != b {
		t.Error("identifiers should ignore the last six content-hash bytes")
	}
}

func TestAssembleDeterministic(t *testing.T) {
	addr := seq(0x10, AddressLen)
	hash := seq(0x80, ContentHashLen)
	a, _ := Assemble(addr, hash)
	b, _ := Assemble(addr, hash)
	if a != b {
		t.Error("Assemble should be deterministic")
	}
}

func TestAssembleNonUTF8(t *testing.T) {
	addr := bytes.Repeat([]byte{0xff}, AddressLen)
	hash := bytes.Repeat([]byte{0xfe}, ContentHashLen)
	id, err := Assemble(addr, hash)
	if err != nil {
		t.Fatalf("Assemble should not validate encoding: %v", err)
	}
	if id.Bytes()[0] != 0xff || id.Bytes()[45] != 0xfe {
		t.Errorf("bytes should be carried unchanged, got %x", id.Bytes())
	}
}

func TestAssembleInvalidLengths(t *testing.T) {
	tests := []struct {
		name string
		addr []byte
		hash []byte
	}{
		{"short address", make([]byte, 19), make([]byte, 32)},
		{"long address", make([]byte, 21), make([]byte, 32)},
		{"short hash", make([]byte, 20), make([]byte, 31)},
		{"long hash", make([]byte, 20), make([]byte, 33)},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.addr, tt.hash)
			if !gwerrors.IsKind(err, gwerrors.KindInvalidIdentifierInput) {
				t.Errorf("err = %v, want invalid_identifier_input", err)
			}
		})
	}
}
