// Package cobs implements Consistent Overhead Byte Stuffing with a zero
// delimiter. Encoded data never contains a zero byte.
//
// A run of exactly 254 non-zero bytes at the end of the input is not followed
// by an empty group, which matches the encoding produced by the common Python
// and C implementations.
package cobs

import (
	"errors"
	"fmt"
)

// MaxRun is the longest run of non-zero bytes a single group can carry.
const MaxRun = 254

var ErrInvalid = errors.New("cobs: invalid encoding")

// Encode returns the COBS encoding of src, without a trailing delimiter.
func Encode(src []byte) []byte {
	return AppendEncode(make([]byte, 0, MaxEncodedLen(len(src))), src)
}

// MaxEncodedLen returns the largest possible encoding of n bytes.
func MaxEncodedLen(n int) int {
	return n + n/MaxRun + 1
}

// AppendEncode appends the encoding of src to dst.
func AppendEncode(dst, src []byte) []byte {
	code := byte(1)
	codeIdx := len(dst)
	dst = append(dst, 0)

	for i, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			code, codeIdx = 1, len(dst)
			dst = append(dst, 0)
			continue
		}

		dst = append(dst, b)
		code++
		if code == MaxRun+1 {
			dst[codeIdx] = code
			if i == len(src)-1 {
				return dst
			}
			code, codeIdx = 1, len(dst)
			dst = append(dst, 0)
		}
	}
	dst[codeIdx] = code
	return dst
}

// Decode reverses Encode. src must not include the delimiter.
func Decode(src []byte) ([]byte, error) {
	dst := make([]byte, 0, len(src))

	for i := 0; i < len(src); {
		code := int(src[i])
		if code == 0 {
			return nil, fmt.Errorf("%w: zero byte at offset %d", ErrInvalid, i)
		}
		i++

		end := i + code - 1
		if end > len(src) {
			return nil, fmt.Errorf("%w: group at offset %d runs past the end", ErrInvalid, i-1)
		}
		for j, b := range src[i:end] {
			if b == 0 {
				return nil, fmt.Errorf("%w: zero byte at offset %d", ErrInvalid, i+j)
			}
		}
		dst = append(dst, src[i:end]...)
		i = end

		if code != MaxRun+1 && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
