package reader

import (
	"fmt"
	"strconv"

	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/token"
	"github.com/mna/corevm/lang/value"
)

// Positions has the same underlying type as lang/compiler.Positions
// (map[value.Value]token.Pos), so a caller can pass the result of Read
// directly to compiler.Compile without this package importing compiler.
type Positions map[value.Value]token.Pos

// Error reports a lexical or syntactic problem, with the byte offset it
// occurred at.
type Error struct {
	Pos token.Pos
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("%d: %s", e.Pos, e.Msg) }

// Read parses src as a sequence of top-level forms and returns them
// together with the source positions of every compound (tuple/array/
// struct/table) and symbol form encountered, for lang/compiler's error
// reporting. Read stops at the first error.
func Read(h *gc.Heap, src []byte) ([]value.Value, Positions, error) {
	p := &parser{h: h, lx: newLexer(src), pos: Positions{}}
	p.advance()
	var forms []value.Value
	for p.cur.kind != tokEOF {
		f, err := p.form()
		if err != nil {
			return nil, nil, err
		}
		forms = append(forms, f)
	}
	return forms, p.pos, nil
}

type parser struct {
	h   *gc.Heap
	lx  *lexer
	cur tok
	pos Positions
}

func (p *parser) advance() { p.cur = p.lx.next() }

func (p *parser) errorf(pos token.Pos, format string, args ...interface{}) error {
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// form parses one datum: a literal, symbol, tuple, array, struct, table
// or quoted form.
func (p *parser) form() (value.Value, error) {
	t := p.cur
	switch t.kind {
	case tokIllegal:
		return value.Value{}, p.errorf(t.pos, "%s", t.text)
	case tokEOF:
		return value.Value{}, p.errorf(t.pos, "unexpected end of input")
	case tokQuote:
		p.advance()
		inner, err := p.form()
		if err != nil {
			return value.Value{}, err
		}
		quote := value.NewSymbol(p.h, "quote")
		tup := value.NewTuple(p.h, []value.Value{quote, inner})
		p.pos[tup] = t.pos
		return tup, nil
	case tokInt:
		p.advance()
		return p.intLiteral(t)
	case tokReal:
		p.advance()
		return p.realLiteral(t)
	case tokString:
		p.advance()
		return value.NewString(p.h, t.text), nil
	case tokKeyword:
		p.advance()
		return value.NewKeyword(p.h, t.text), nil
	case tokSymbol:
		p.advance()
		return p.symbolOrLiteral(t), nil
	case tokLParen:
		return p.tuple()
	case tokLBrack:
		return p.array()
	case tokLBrace:
		return p.structLit()
	case tokHashBrace:
		return p.tableLit()
	case tokRParen, tokRBrack, tokRBrace:
		return value.Value{}, p.errorf(t.pos, "unexpected closing delimiter")
	default:
		return value.Value{}, p.errorf(t.pos, "unexpected token")
	}
}

func (p *parser) symbolOrLiteral(t tok) value.Value {
	switch t.text {
	case "nil":
		return value.NilValue
	case "true":
		return value.BoolValue(true)
	case "false":
		return value.BoolValue(false)
	}
	sym := value.NewSymbol(p.h, t.text)
	p.pos[sym] = t.pos
	return sym
}

func (p *parser) intLiteral(t tok) (value.Value, error) {
	i, err := strconv.ParseInt(t.text, 10, 32)
	if err != nil {
		return value.Value{}, p.errorf(t.pos, "invalid integer literal %q: %v", t.text, err)
	}
	return value.IntValue(int32(i)), nil
}

func (p *parser) realLiteral(t tok) (value.Value, error) {
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return value.Value{}, p.errorf(t.pos, "invalid real literal %q: %v", t.text, err)
	}
	return value.RealValue(f), nil
}

// tuple parses `( form* )`.
func (p *parser) tuple() (value.Value, error) {
	startPos := p.cur.pos
	p.advance() // '('
	var elems []value.Value
	for p.cur.kind != tokRParen {
		if p.cur.kind == tokEOF {
			return value.Value{}, p.errorf(startPos, "unterminated tuple: missing ')'")
		}
		f, err := p.form()
		if err != nil {
			return value.Value{}, err
		}
		elems = append(elems, f)
	}
	p.advance() // ')'
	tup := value.NewTuple(p.h, elems)
	p.pos[tup] = startPos
	return tup, nil
}

// array parses `[ form* ]`.
func (p *parser) array() (value.Value, error) {
	startPos := p.cur.pos
	p.advance() // '['
	var elems []value.Value
	for p.cur.kind != tokRBrack {
		if p.cur.kind == tokEOF {
			return value.Value{}, p.errorf(startPos, "unterminated array: missing ']'")
		}
		f, err := p.form()
		if err != nil {
			return value.Value{}, err
		}
		elems = append(elems, f)
	}
	p.advance() // ']'
	arr := value.NewArray(p.h, elems)
	p.pos[arr] = startPos
	return arr, nil
}

// structLit parses `{ :key form :key form ... }`: every key must be a
// keyword literal, since value.Struct's fields are addressed by name.
func (p *parser) structLit() (value.Value, error) {
	startPos := p.cur.pos
	p.advance() // '{'
	fields := map[string]value.Value{}
	for p.cur.kind != tokRBrace {
		if p.cur.kind == tokEOF {
			return value.Value{}, p.errorf(startPos, "unterminated struct literal: missing '}'")
		}
		if p.cur.kind != tokKeyword {
			return value.Value{}, p.errorf(p.cur.pos, "struct literal field name must be a keyword")
		}
		name := p.cur.text
		p.advance()
		if p.cur.kind == tokRBrace || p.cur.kind == tokEOF {
			return value.Value{}, p.errorf(p.cur.pos, "struct literal field %q is missing a value", name)
		}
		v, err := p.form()
		if err != nil {
			return value.Value{}, err
		}
		fields[name] = v
	}
	p.advance() // '}'
	s := value.NewStruct(p.h, fields)
	p.pos[s] = startPos
	return s, nil
}

// tableLit parses `#{ form form ... }` as alternating key/value forms.
// Unlike a struct literal's field names, a table literal's keys are
// unrestricted forms -- but since the key form itself is a value.Value
// (possibly an interned one, for symbols/keywords/tuples), it can stand
// directly as the key of a real value.Table, unevaluated, exactly as
// lang/compiler.compileTableLiteral's value.TableIterate walk expects:
// each pair's key/value are forms still needing compilation, not values
// already computed.
func (p *parser) tableLit() (value.Value, error) {
	startPos := p.cur.pos
	p.advance() // '#{'
	var elems []value.Value
	for p.cur.kind != tokRBrace {
		if p.cur.kind == tokEOF {
			return value.Value{}, p.errorf(startPos, "unterminated table literal: missing '}'")
		}
		f, err := p.form()
		if err != nil {
			return value.Value{}, err
		}
		elems = append(elems, f)
	}
	if len(elems)%2 != 0 {
		return value.Value{}, p.errorf(startPos, "table literal has an odd number of forms")
	}
	p.advance() // '}'
	tbl := value.NewTable(p.h, len(elems)/2)
	for i := 0; i < len(elems); i += 2 {
		value.TablePut(tbl, elems[i], elems[i+1])
	}
	p.pos[tbl] = startPos
	return tbl, nil
}
