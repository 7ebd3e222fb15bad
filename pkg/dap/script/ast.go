package script

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// ScriptLexer tokenizes DAP scripts. Statements end at a newline or ';'.
var ScriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `(#|//)[^\n]*`},
	{Name: "EOL", Pattern: `[\n;]`},
	{Name: "Whitespace", Pattern: `[ \t\r]+`},
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F]+|0[bB][01]+|[0-9]+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[{}]`},
})

// Script is a parsed DAP script.
type Script struct {
	Stmts []*Stmt `EOL* ( @@ EOL* )*`
}

// Stmt is one command and its arguments.
// Example: transfer 0 { read dp 0x0 }
type Stmt struct {
	Pos  lexer.Position
	Name string `@Ident`
	Args []*Arg `@@*`
}

// Arg is a number, a keyword or a nested block.
type Arg struct {
	Pos    lexer.Position
	Number *string `  @Number`
	Word   *string `| @Ident`
	Block  *Block  `| @@`
}

// Block groups the entries of a transfer or sequence command.
type Block struct {
	Stmts []*Stmt `"{" EOL* ( @@ EOL* )* "}"`
}
