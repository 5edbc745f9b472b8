package text

import (
	"fmt"

	"github.com/wippyai/wabt-go/native/internal/binary"
)

// Kind classifies a token.
type Kind int

const (
	EOF Kind = iota
	LParen
	RParen
	Keyword
	Ident
	String
	Number
)

func (k Kind) String() string {
	switch k {
	case EOF:
		return "EOF"
	case LParen:
		return "'('"
	case RParen:
		return "')'"
	case Keyword:
		return "keyword"
	case Ident:
		return "identifier"
	case String:
		return "string"
	case Number:
		return "number"
	}
	return "unknown"
}

// Token is one lexeme. Text is the raw source text; string tokens keep
// their quotes.
type Token struct {
	Text   string
	Kind   Kind
	Offset int
	Line   int
	Col    int
}

// Loc returns the source range of the token.
func (t *Token) Loc() binary.Loc {
	return binary.Loc{Offset: t.Offset, Line: t.Line, Col: t.Col, EndCol: t.Col + len(t.Text)}
}

// Describe renders the token for diagnostics.
func (t *Token) Describe() string {
	if t.Kind == EOF {
		return "EOF"
	}
	if t.Kind == String {
		return t.Text
	}
	return fmt.Sprintf("%q", t.Text)
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '(', ')', '"', ';':
		return true
	}
	return false
}

type lexer struct {
	src  []byte
	pos  int
	line int
	// lineStart is the offset of the first byte of the current line.
	lineStart int
}

func (l *lexer) loc() binary.Loc {
	col := l.pos - l.lineStart + 1
	return binary.Loc{Offset: l.pos, Line: l.line, Col: col, EndCol: col + 1}
}

func (l *lexer) newline() {
	l.line++
	l.lineStart = l.pos + 1
}

func (l *lexer) token(kind Kind, start int) Token {
	return Token{
		Text:   string(l.src[start:l.pos]),
		Kind:   kind,
		Offset: start,
		Line:   l.line,
		Col:    start - l.lineStart + 1,
	}
}

// Tokenize splits WebAssembly text into tokens. The result always ends
// with an EOF token.
func Tokenize(src []byte) ([]Token, error) {
	l := &lexer{src: src, line: 1}
	var tokens []Token
	for {
		if err := l.skipSpace(); err != nil {
			return tokens, err
		}
		if l.pos >= len(l.src) {
			tokens = append(tokens, l.token(EOF, l.pos))
			return tokens, nil
		}
		start := l.pos
		switch c := l.src[l.pos]; {
		case c == '(':
			l.pos++
			tokens = append(tokens, l.token(LParen, start))
		case c == ')':
			l.pos++
			tokens = append(tokens, l.token(RParen, start))
		case c == '"':
			if err := l.skipString(); err != nil {
				return tokens, err
			}
			tokens = append(tokens, l.token(String, start))
		default:
			for l.pos < len(l.src) && !isDelimiter(l.src[l.pos]) {
				if l.src[l.pos] < 0x21 || l.src[l.pos] > 0x7e {
					return tokens, binary.Errorf(l.loc(), "unexpected char")
				}
				l.pos++
			}
			tokens = append(tokens, l.token(classify(l.src[start:l.pos]), start))
		}
	}
}

func classify(word []byte) Kind {
	c := word[0]
	if c == '$' {
		return Ident
	}
	if c == '+' || c == '-' {
		if len(word) == 1 {
			return Keyword
		}
		c = word[1]
		rest := string(word[1:])
		if rest == "inf" || rest == "nan" || len(rest) > 4 && rest[:4] == "nan:" {
			return Number
		}
	}
	if c >= '0' && c <= '9' {
		return Number
	}
	return Keyword
}

func (l *lexer) skipSpace() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.newline()
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == ';' && l.pos+1 < len(l.src) && l.src[l.pos+1] == ';':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '(' && l.pos+1 < len(l.src) && l.src[l.pos+1] == ';':
			if err := l.skipBlockComment(); err != nil {
				return err
			}
		case c == ';':
			return binary.Errorf(l.loc(), "unexpected char")
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) skipBlockComment() error {
	start := l.loc()
	depth := 0
	for l.pos < len(l.src) {
		switch {
		case l.src[l.pos] == '(' && l.pos+1 < len(l.src) && l.src[l.pos+1] == ';':
			depth++
			l.pos += 2
		case l.src[l.pos] == ';' && l.pos+1 < len(l.src) && l.src[l.pos+1] == ')':
			depth--
			l.pos += 2
			if depth == 0 {
				return nil
			}
		default:
			if l.src[l.pos] == '\n' {
				l.newline()
			}
			l.pos++
		}
	}
	return binary.Errorf(start, "unexpected EOF in block comment")
}

func (l *lexer) skipString() error {
	start := l.loc()
	l.pos++
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case '"':
			l.pos++
			return nil
		case '\n':
			return binary.Errorf(start, "newline in string")
		case '\\':
			l.pos++
		}
		l.pos++
	}
	return binary.Errorf(start, "unexpected EOF in string")
}
