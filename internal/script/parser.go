// internal/script/parser.go
// 策略脚本的语法分析。语句只有一种形式: name = expr。
// 表达式优先级从低到高: or, and, not, 比较, 加减, 乘除取余,
// 一元负号, 索引/调用。
package script

import (
	"fmt"
	"strconv"
)

type expr interface{ exprNode() }

type numberLit struct{ value float64 }
type stringLit struct{ value string }
type boolLit struct{ value bool }
type identExpr struct{ name string }
type unaryExpr struct {
	op string // "-" | "not"
	x  expr
}
type binaryExpr struct {
	op   string
	l, r expr
}
type indexExpr struct {
	x   expr
	idx expr
}
type callExpr struct {
	name string
	args []expr
}

func (numberLit) exprNode() {}
func (stringLit) exprNode() {}
func (boolLit) exprNode()   {}
func (identExpr) exprNode() {}
func (unaryExpr) exprNode() {}
func (binaryExpr) exprNode() {}
func (indexExpr) exprNode()  {}
func (callExpr) exprNode()   {}

type assignStmt struct {
	name string
	expr expr
	line int
}

type parser struct {
	toks []token
	pos  int
}

// parseStatements 把脚本正文解析为顺序执行的赋值语句表。
func parseStatements(src string) ([]assignStmt, error) {
	toks, err := newLexer(src).lexAll()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	var stmts []assignStmt
	for {
		for p.peek().kind == tokNewline {
			p.pos++
		}
		if p.peek().kind == tokEOF {
			return stmts, nil
		}
		stmt, err := p.parseAssign()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		switch p.peek().kind {
		case tokNewline:
			p.pos++
		case tokEOF:
		default:
			return nil, fmt.Errorf("line %d: unexpected %s after statement", p.peek().line, p.peek())
		}
	}
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) take() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expectOp(op string) error {
	tok := p.take()
	if tok.kind != tokOp || tok.text != op {
		return fmt.Errorf("line %d: expected %q, got %s", tok.line, op, tok)
	}
	return nil
}

func (p *parser) parseAssign() (assignStmt, error) {
	tok := p.take()
	if tok.kind != tokIdent {
		return assignStmt{}, fmt.Errorf("line %d: expected assignment, got %s", tok.line, tok)
	}
	if err := p.expectOp("="); err != nil {
		return assignStmt{}, err
	}
	e, err := p.parseOr()
	if err != nil {
		return assignStmt{}, err
	}
	return assignStmt{name: tok.text, expr: e, line: tok.line}, nil
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "or" {
		p.take()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "or", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "and" {
		p.take()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "and", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseNot() (expr, error) {
	if p.peek().kind == tokIdent && p.peek().text == "not" {
		p.take()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryExpr{op: "not", x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if tok.kind == tokOp {
		switch tok.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.take()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return binaryExpr{op: tok.text, l: left, r: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.take().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/" || p.peek().text == "%") {
		op := p.take().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (expr, error) {
	if p.peek().kind == tokOp && p.peek().text == "-" {
		p.take()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{op: "-", x: x}, nil
	}
	return p.parsePostfix()
}

// parsePostfix 处理索引和原子表达式。
// 调用只允许 ident(...) 形式，在 parseAtom 内识别。
func (p *parser) parsePostfix() (expr, error) {
	x, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "[" {
		p.take()
		idx, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp("]"); err != nil {
			return nil, err
		}
		x = indexExpr{x: x, idx: idx}
	}
	return x, nil
}

func (p *parser) parseAtom() (expr, error) {
	tok := p.take()
	switch tok.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad number %q", tok.line, tok.text)
		}
		return numberLit{value: v}, nil

	case tokString:
		return stringLit{value: tok.text}, nil

	case tokIdent:
		switch tok.text {
		case "true":
			return boolLit{value: true}, nil
		case "false":
			return boolLit{value: false}, nil
		case "and", "or", "not":
			return nil, fmt.Errorf("line %d: unexpected keyword %q", tok.line, tok.text)
		}
		if p.peek().kind == tokOp && p.peek().text == "(" {
			p.take()
			var args []expr
			if !(p.peek().kind == tokOp && p.peek().text == ")") {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind == tokOp && p.peek().text == "," {
						p.take()
						continue
					}
					break
				}
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return callExpr{name: tok.text, args: args}, nil
		}
		return identExpr{name: tok.text}, nil

	case tokOp:
		if tok.text == "(" {
			e, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, fmt.Errorf("line %d: unexpected %s in expression", tok.line, tok)
}
