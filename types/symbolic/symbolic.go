// Package symbolic implements the affine index algebra used throughout the
// compiler: named integer symbols, affine expressions over them, and
// substitution of concrete values.
//
// An Expr is always kept in normal form -- a sum of (coefficient × symbol)
// terms, sorted by symbol name with no zero coefficients, plus an integer
// constant. Two expressions denote the same value for every binding iff their
// normal forms are equal, which is what the scheduler uses to detect redundant
// loads.
//
// All operations are pure: an Expr is never mutated after construction.
package symbolic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Symbol names an integer unknown: a tensor dimension size, a tile size or an
// iteration variable. Symbols are resolved to concrete non-negative integers
// through a Bindings map.
type Symbol string

// S is a convenience constructor for a Symbol.
func S(name string) Symbol { return Symbol(name) }

// String implements fmt.Stringer.
func (s Symbol) String() string { return string(s) }

// Term is one (coefficient × symbol) summand of an affine expression.
type Term struct {
	Symbol      Symbol
	Coefficient int
}

// Expr is an affine expression in normal form: Terms sorted by symbol name,
// without zero coefficients, plus Constant.
//
// The zero value is the constant 0. Use Const, Var and the arithmetic methods
// to build expressions; do not modify Terms directly.
type Expr struct {
	Terms    []Term
	Constant int
}

// Const returns the expression for the integer constant c.
func Const(c int) Expr { return Expr{Constant: c} }

// Var returns the expression 1×s.
func Var(s Symbol) Expr {
	return Expr{Terms: []Term{{Symbol: s, Coefficient: 1}}}
}

// Scaled returns the expression coefficient×s.
func Scaled(s Symbol, coefficient int) Expr {
	if coefficient == 0 {
		return Expr{}
	}
	return Expr{Terms: []Term{{Symbol: s, Coefficient: coefficient}}}
}

func normalize(terms map[Symbol]int, constant int) Expr {
	e := Expr{Constant: constant}
	for sym, coef := range terms {
		if coef == 0 {
			continue
		}
		e.Terms = append(e.Terms, Term{Symbol: sym, Coefficient: coef})
	}
	sort.Slice(e.Terms, func(i, j int) bool { return e.Terms[i].Symbol < e.Terms[j].Symbol })
	return e
}

func (e Expr) termMap() map[Symbol]int {
	m := make(map[Symbol]int, len(e.Terms))
	for _, t := range e.Terms {
		m[t.Symbol] = t.Coefficient
	}
	return m
}

// Add returns e+other in normal form.
func (e Expr) Add(other Expr) Expr {
	m := e.termMap()
	for _, t := range other.Terms {
		m[t.Symbol] += t.Coefficient
	}
	return normalize(m, e.Constant+other.Constant)
}

// AddConst returns e+c.
func (e Expr) AddConst(c int) Expr {
	out := e
	out.Terms = append([]Term(nil), e.Terms...)
	out.Constant += c
	return out
}

// Sub returns e-other in normal form.
func (e Expr) Sub(other Expr) Expr {
	return e.Add(other.MulScalar(-1))
}

// MulScalar returns k×e in normal form.
func (e Expr) MulScalar(k int) Expr {
	if k == 0 {
		return Expr{}
	}
	out := Expr{Constant: e.Constant * k, Terms: make([]Term, 0, len(e.Terms))}
	for _, t := range e.Terms {
		out.Terms = append(out.Terms, Term{Symbol: t.Symbol, Coefficient: t.Coefficient * k})
	}
	return out
}

// Substitute replaces every symbol present in bindings with its value,
// leaving unbound symbols symbolic. The result is in normal form.
func (e Expr) Substitute(bindings Bindings) Expr {
	m := make(map[Symbol]int)
	constant := e.Constant
	for _, t := range e.Terms {
		if value, ok := bindings[t.Symbol]; ok {
			constant += t.Coefficient * value
		} else {
			m[t.Symbol] += t.Coefficient
		}
	}
	return normalize(m, constant)
}

// Eval resolves the expression to a concrete integer. Every symbol in e must
// be present in bindings, otherwise an *UnresolvedSymbolError is returned.
func (e Expr) Eval(bindings Bindings) (int, error) {
	total := e.Constant
	for _, t := range e.Terms {
		value, ok := bindings[t.Symbol]
		if !ok {
			return 0, &UnresolvedSymbolError{Symbol: t.Symbol, Expr: e.String()}
		}
		total += t.Coefficient * value
	}
	return total, nil
}

// Equal reports whether e and other have the same normal form, i.e. denote
// the same value under every binding.
func (e Expr) Equal(other Expr) bool {
	if e.Constant != other.Constant || len(e.Terms) != len(other.Terms) {
		return false
	}
	for i, t := range e.Terms {
		if other.Terms[i] != t {
			return false
		}
	}
	return true
}

// IsConst reports whether the expression has no symbolic terms, and if so its
// value.
func (e Expr) IsConst() (int, bool) {
	if len(e.Terms) == 0 {
		return e.Constant, true
	}
	return 0, false
}

// Symbols returns the symbols appearing with non-zero coefficient, in sorted
// order.
func (e Expr) Symbols() []Symbol {
	out := make([]Symbol, 0, len(e.Terms))
	for _, t := range e.Terms {
		out = append(out, t.Symbol)
	}
	return out
}

// String implements fmt.Stringer, e.g. "2*M + K + 5".
func (e Expr) String() string {
	if len(e.Terms) == 0 {
		return fmt.Sprintf("%d", e.Constant)
	}
	parts := make([]string, 0, len(e.Terms)+1)
	for _, t := range e.Terms {
		switch t.Coefficient {
		case 1:
			parts = append(parts, string(t.Symbol))
		case -1:
			parts = append(parts, "-"+string(t.Symbol))
		default:
			parts = append(parts, fmt.Sprintf("%d*%s", t.Coefficient, t.Symbol))
		}
	}
	if e.Constant != 0 {
		parts = append(parts, fmt.Sprintf("%d", e.Constant))
	}
	return strings.Join(parts, " + ")
}

// Bindings maps symbols to concrete non-negative integer values.
type Bindings map[Symbol]int

// NewBindings builds a Bindings map, validating that every value is
// non-negative.
func NewBindings(values map[Symbol]int) (Bindings, error) {
	b := make(Bindings, len(values))
	for sym, value := range values {
		if value < 0 {
			return nil, errors.Errorf("binding for symbol %q must be non-negative, got %d", sym, value)
		}
		b[sym] = value
	}
	return b, nil
}

// Merge returns a new Bindings with the entries of b and overlay; overlay
// entries win on collision.
func (b Bindings) Merge(overlay Bindings) Bindings {
	out := make(Bindings, len(b)+len(overlay))
	for sym, value := range b {
		out[sym] = value
	}
	for sym, value := range overlay {
		out[sym] = value
	}
	return out
}

// Value resolves a single symbol, returning an *UnresolvedSymbolError if it
// has no binding.
func (b Bindings) Value(s Symbol) (int, error) {
	value, ok := b[s]
	if !ok {
		return 0, &UnresolvedSymbolError{Symbol: s}
	}
	return value, nil
}

// CeilDiv returns ⌈a/b⌉ for positive b.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// UnresolvedSymbolError is returned when an expression is evaluated with a
// symbol missing from the bindings.
type UnresolvedSymbolError struct {
	Symbol Symbol
	// Expr is the textual form of the expression being evaluated, when
	// available.
	Expr string
}

// Error implements the error interface.
func (e *UnresolvedSymbolError) Error() string {
	if e.Expr == "" {
		return fmt.Sprintf("unresolved symbol %q: no substitution provided", e.Symbol)
	}
	return fmt.Sprintf("unresolved symbol %q while evaluating %q: no substitution provided", e.Symbol, e.Expr)
}
