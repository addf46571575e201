// internal/script/lexer.go
// 策略脚本的词法分析。脚本是逐行的赋值语句，
// # 起始到行尾是注释，换行是语句分隔符。
package script

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNewline
	tokNumber
	tokString
	tokIdent
	tokOp // = == != < <= > >= + - * / % ( ) [ ] ,
)

type token struct {
	kind tokenKind
	text string
	line int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of script"
	case tokNewline:
		return "end of line"
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

// lexAll 一次性扫描全部 token，连续换行折叠成一个。
func (l *lexer) lexAll() ([]token, error) {
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokNewline && (len(toks) == 0 || toks[len(toks)-1].kind == tokNewline) {
			continue
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	// 跳过行内空白和注释
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\r' {
			l.pos++
			continue
		}
		if c == '#' {
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
			continue
		}
		break
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line}, nil
	}

	c := l.src[l.pos]
	switch {
	case c == '\n':
		tok := token{kind: tokNewline, line: l.line}
		l.pos++
		l.line++
		return tok, nil

	case c >= '0' && c <= '9', c == '.' && l.peekDigit():
		start := l.pos
		seenDot := false
		for l.pos < len(l.src) {
			ch := l.src[l.pos]
			if ch >= '0' && ch <= '9' {
				l.pos++
				continue
			}
			if ch == '.' && !seenDot {
				seenDot = true
				l.pos++
				continue
			}
			break
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], line: l.line}, nil

	case c == '"' || c == '\'':
		quote := c
		l.pos++
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != quote && l.src[l.pos] != '\n' {
			l.pos++
		}
		if l.pos >= len(l.src) || l.src[l.pos] != quote {
			return token{}, fmt.Errorf("line %d: unterminated string literal", l.line)
		}
		text := l.src[start:l.pos]
		l.pos++
		return token{kind: tokString, text: text, line: l.line}, nil

	case isIdentStart(rune(c)):
		start := l.pos
		for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], line: l.line}, nil

	case strings.ContainsRune("=!<>", rune(c)):
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			tok := token{kind: tokOp, text: l.src[l.pos : l.pos+2], line: l.line}
			l.pos += 2
			return tok, nil
		}
		if c == '!' {
			return token{}, fmt.Errorf("line %d: unexpected character %q (use 'not')", l.line, c)
		}
		tok := token{kind: tokOp, text: string(c), line: l.line}
		l.pos++
		return tok, nil

	case strings.ContainsRune("+-*/%()[],", rune(c)):
		tok := token{kind: tokOp, text: string(c), line: l.line}
		l.pos++
		return tok, nil
	}
	return token{}, fmt.Errorf("line %d: unexpected character %q", l.line, c)
}

func (l *lexer) peekDigit() bool {
	return l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
