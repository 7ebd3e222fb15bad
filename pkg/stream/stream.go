// Package stream holds the building blocks shared by the trace pipeline
// stages: the byte token that flows between them, the lossy FIFO placed at
// each capture boundary, and the counters and indicators watching it.
package stream

import "fmt"

// Token is one byte of a packet stream. Exactly one token with Last set ends
// every packet. First marks the start of a packet on streams that track it.
type Token struct {
	Data  byte
	First bool
	Last  bool
}

func (t Token) String() string {
	s := fmt.Sprintf("%02X", t.Data)
	if t.First {
		s = "<" + s
	}
	if t.Last {
		s += ">"
	}
	return s
}

// Packet builds the token sequence for data. An empty packet yields no tokens.
func Packet(data ...byte) []Token {
	out := make([]Token, len(data))
	for i, b := range data {
		out[i] = Token{Data: b, First: i == 0, Last: i == len(data)-1}
	}
	return out
}

// Bytes returns the data bytes of toks.
func Bytes(toks []Token) []byte {
	out := make([]byte, len(toks))
	for i, t := range toks {
		out[i] = t.Data
	}
	return out
}

// SplitPackets groups toks into packets at each Last marker. Trailing tokens
// without a Last marker are returned as a final partial packet.
func SplitPackets(toks []Token) [][]byte {
	var out [][]byte
	var cur []byte
	for _, t := range toks {
		cur = append(cur, t.Data)
		if t.Last {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
