package cobs

import (
	"bytes"
	"errors"
	"testing"
)

func seq(from, to int) []byte {
	out := make([]byte, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, byte(i))
	}
	return out
}

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", nil, []byte{0x01}},
		{"zero", []byte{0}, []byte{0x01, 0x01}},
		{"two zeros", []byte{0, 0}, []byte{0x01, 0x01, 0x01}},
		{"zero one zero", []byte{0, 1, 0}, []byte{0x01, 0x02, 0x01, 0x01}},
		{"one", []byte{1}, []byte{0x02, 0x01}},
		{"one one", []byte{1, 1}, []byte{0x03, 0x01, 0x01}},
		{"one zero one", []byte{1, 0, 1}, []byte{0x02, 0x01, 0x02, 0x01}},
		{"0..254", seq(0, 255), cat([]byte{0x01, 0xFF}, seq(1, 255))},
		{"1..254", seq(1, 255), cat([]byte{0xFF}, seq(1, 255))},
		{"1..255", seq(1, 256), cat([]byte{0xFF}, seq(1, 255), []byte{0x02, 0xFF})},
		{"2..256", seq(2, 257), cat([]byte{0xFF}, seq(2, 256), []byte{0x01, 0x01})},
		{"3..257", seq(3, 258), cat([]byte{0xFE}, seq(3, 256), []byte{0x02, 0x01})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = % X, want % X", got, tt.want)
			}
			if bytes.IndexByte(got, 0) >= 0 {
				t.Errorf("Encode() output contains a zero byte")
			}
			if len(got) > MaxEncodedLen(len(tt.in)) {
				t.Errorf("len(Encode()) = %d, exceeds MaxEncodedLen %d", len(got), MaxEncodedLen(len(tt.in)))
			}

			back, err := Decode(got)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !bytes.Equal(back, tt.in) {
				t.Errorf("Decode(Encode()) = % X, want % X", back, tt.in)
			}
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"zero code", []byte{0x00}},
		{"zero in group", []byte{0x03, 0x01, 0x00}},
		{"truncated", []byte{0x05, 0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.in); !errors.Is(err, ErrInvalid) {
				t.Errorf("Decode(% X) error = %v, want ErrInvalid", tt.in, err)
			}
		})
	}
}
