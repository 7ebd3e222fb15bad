// Package script implements a small text language for CMSIS-DAP command
// packets. Each statement compiles to one packet:
//
//	connect swd
//	swj_sequence 51 0xff 0xff 0xff 0xff 0xff 0xff 0x07
//	transfer 0 {
//	    read dp 0x0
//	    write ap 0x4 0x23000052
//	}
package script

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/participle/v2"
)

// Parser parses DAP scripts.
type Parser struct {
	parser *participle.Parser[Script]
}

// NewParser creates a new script parser
func NewParser() (*Parser, error) {
	parser, err := participle.Build[Script](
		participle.Lexer(ScriptLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// Parse parses a script from a reader. name is used in error positions.
func (p *Parser) Parse(name string, r io.Reader) (*Script, error) {
	s, err := p.parser.Parse(name, r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return s, nil
}

func (p *Parser) ParseString(name, src string) (*Script, error) {
	s, err := p.parser.ParseString(name, src)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return s, nil
}

// ParseFile parses the script at path.
func (p *Parser) ParseFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return p.Parse(path, f)
}
