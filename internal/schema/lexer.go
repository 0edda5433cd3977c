package schema

import (
	"fmt"
	"strings"
)

// TokenType identifies the lexical class of a DDL token
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenSymbol
)

// Token is one lexical unit of a DDL statement
type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

func (t Token) is(keyword string) bool {
	return t.Type == TokenIdent && strings.EqualFold(t.Literal, keyword)
}

func (t Token) isSymbol(s string) bool {
	return t.Type == TokenSymbol && t.Literal == s
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "end of statement"
	}
	return fmt.Sprintf("%q at %d", t.Literal, t.Pos)
}

// Lexer splits DDL text into tokens. Comments are dropped.
type Lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

// NewLexer creates a lexer over input
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// Tokenize returns every token up to and excluding EOF
func (l *Lexer) Tokenize() ([]Token, error) {
	var toks []Token
	for {
		tok, err := l.NextToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenEOF {
			return toks, nil
		}
		toks = append(toks, tok)
	}
}

// NextToken returns the next token
func (l *Lexer) NextToken() (Token, error) {
	if err := l.skipWhitespaceAndComments(); err != nil {
		return Token{}, err
	}
	start := l.pos
	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Pos: start}, nil
	case l.ch == '`':
		s, err := l.readQuoted('`', '`')
		return Token{Type: TokenQuotedIdent, Literal: s, Pos: start}, err
	case l.ch == '[':
		s, err := l.readQuoted('[', ']')
		return Token{Type: TokenQuotedIdent, Literal: s, Pos: start}, err
	case l.ch == '"':
		s, err := l.readQuoted('"', '"')
		return Token{Type: TokenQuotedIdent, Literal: s, Pos: start}, err
	case l.ch == '\'':
		s, err := l.readString()
		return Token{Type: TokenString, Literal: s, Pos: start}, err
	case isIdentStart(l.ch):
		return Token{Type: TokenIdent, Literal: l.readWord(), Pos: start}, nil
	case isDigit(l.ch):
		w := l.readWord()
		if strings.Trim(w, "0123456789.") == "" {
			return Token{Type: TokenNumber, Literal: w, Pos: start}, nil
		}
		return Token{Type: TokenIdent, Literal: w, Pos: start}, nil
	default:
		ch := l.ch
		l.readChar()
		return Token{Type: TokenSymbol, Literal: string(ch), Pos: start}, nil
	}
}

func (l *Lexer) skipWhitespaceAndComments() error {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r':
			l.readChar()
		case l.ch == '#', l.ch == '-' && l.peekChar() == '-':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			start := l.pos
			l.readChar()
			l.readChar()
			for !(l.ch == '*' && l.peekChar() == '/') {
				if l.ch == 0 {
					return fmt.Errorf("unterminated comment at %d", start)
				}
				l.readChar()
			}
			l.readChar()
			l.readChar()
		default:
			return nil
		}
	}
}

// readQuoted reads an identifier between open and close; a doubled close escapes itself
func (l *Lexer) readQuoted(open, close byte) (string, error) {
	start := l.pos
	var b strings.Builder
	l.readChar()
	for {
		switch {
		case l.ch == 0:
			return "", fmt.Errorf("unterminated quoted identifier at %d", start)
		case l.ch == close && l.peekChar() == close:
			b.WriteByte(close)
			l.readChar()
			l.readChar()
		case l.ch == close:
			l.readChar()
			return b.String(), nil
		default:
			b.WriteByte(l.ch)
			l.readChar()
		}
	}
}

func (l *Lexer) readString() (string, error) {
	start := l.pos
	var b strings.Builder
	l.readChar()
	for {
		switch {
		case l.ch == 0:
			return "", fmt.Errorf("unterminated string at %d", start)
		case l.ch == '\\' && l.peekChar() != 0:
			l.readChar()
			b.WriteByte(l.ch)
			l.readChar()
		case l.ch == '\'' && l.peekChar() == '\'':
			b.WriteByte('\'')
			l.readChar()
			l.readChar()
		case l.ch == '\'':
			l.readChar()
			return b.String(), nil
		default:
			b.WriteByte(l.ch)
			l.readChar()
		}
	}
}

func (l *Lexer) readWord() string {
	start := l.pos
	for isIdentStart(l.ch) || isDigit(l.ch) || (l.ch == '.' && isDigit(l.peekChar()) && isDigit(l.input[start])) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch == '$' || ch == '@' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
