package sandbox

import (
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

// checkRange fails unless [ptr, ptr+length) lies inside the live memory.
func checkRange(mem api.Memory, ptr, length uint32) error {
	size := uint64(mem.Size())
	if uint64(ptr)+uint64(length) > size {
		return gwerrors.Errorf(gwerrors.KindOutOfBoundsMemoryAccess,
			"range [%d, %d) outside memory of %d bytes", ptr, uint64(ptr)+uint64(length), size)
	}
	return nil
}

// readGuest returns a view of guest memory. The view aliases the guest's
// memory and must be copied before it outlives the call.
func readGuest(mem api.Memory, ptr, length uint32) ([]byte, error) {
	if err := checkRange(mem, ptr, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, gwerrors.Errorf(gwerrors.KindOutOfBoundsMemoryAccess, "read of %d bytes at %d", length, ptr)
	}
	return data, nil
}

// readGuestString reads a UTF-8 string; what names the value in errors.
func readGuestString(mem api.Memory, ptr, length uint32, what string) (string, error) {
	data, err := readGuest(mem, ptr, length)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errorf(gwerrors.KindInvalidUTF8InGuestData, what, "%s is not valid UTF-8", what)
	}
	return string(data), nil
}

// writeGuest copies min(destLen, len(data)) bytes of data to ptr and
// returns the count. The whole destination range must be in bounds.
func writeGuest(mem api.Memory, ptr, destLen uint32, data []byte) (uint32, error) {
	if err := checkRange(mem, ptr, destLen); err != nil {
		return 0, err
	}
	n := destLen
	if uint64(len(data)) < uint64(n) {
		n = uint32(len(data))
	}
	if n == 0 {
		return 0, nil
	}
	if !mem.Write(ptr, data[:n]) {
		return 0, gwerrors.Errorf(gwerrors.KindOutOfBoundsMemoryAccess, "write of %d bytes at %d", n, ptr)
	}
	return n, nil
}

func lenResult(n int64) uint64 {
	if n > int64(^uint32(0)>>1) {
		n = int64(^uint32(0) >> 1)
	}
	return api.EncodeI32(int32(n))
}

func errorf(kind gwerrors.Kind, name, format string, args ...any) *gwerrors.Error {
	e := gwerrors.Errorf(kind, format, args...)
	e.Name = name
	return e
}
