// Package utils holds small byte helpers for null-terminated messages.
package utils

import "bytes"

// TrimAtNull interprets buf as a null-terminated string. It returns buf up to
// the first 0x00 byte, or the entire buffer if none is present. The result
// shares memory with buf.
//
// Parameters:
//   - buf: The received bytes
//
// Returns:
//   - The bytes before the first null byte
func TrimAtNull(buf []byte) []byte {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return buf[:i]
	}

	return buf
}

// AppendNull returns a copy of data followed by one 0x00 byte.
//
// Parameters:
//   - data: Message bytes; not modified
//
// Returns:
//   - A new slice of len(data)+1 bytes
func AppendNull(data []byte) []byte {
	return JoinBytes(data, []byte{0})
}

// JoinBytes concatenates the given byte slices into a single new slice.
//
// Parameters:
//   - s: One or more byte slices to concatenate
//
// Returns:
//   - A new byte slice containing all input slices in order
func JoinBytes(s ...[]byte) []byte {
	n := 0
	for _, v := range s {
		n += len(v)
	}

	b, i := make([]byte, n), 0
	for _, v := range s {
		i += copy(b[i:], v)
	}

	return b
}
