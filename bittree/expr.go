package bittree

// Flags is the internal flag-bitset form of an update request (§4.2.1).
// It remains the representation Tree.Update operates on directly — an
// optimization per §9's design notes — while Expr is the tagged-ADT
// form callers and tests are expected to use.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagCheck
	FlagDoneSet
	FlagDoneRst
	FlagRelvSet
	FlagRelvRst
)

// Expr is a small algebraic data type over update operations, per §9's
// "Tagged variants over flag bitsets" design note. And/Or combine
// sibling expressions into a single flag mask (mutation semantics are
// independent per-bit, so "And"/"Or" only matter for CHECK, where they
// pick which bits must all match).
type Expr struct {
	flags Flags
}

// SetDone builds the expression "set the done bit".
func SetDone() Expr { return Expr{FlagDoneSet} }

// ResetDone builds the expression "clear the done bit".
func ResetDone() Expr { return Expr{FlagDoneRst} }

// SetRelv builds the expression "set the relv bit" (file mode).
func SetRelv() Expr { return Expr{FlagRelvSet} }

// ResetRelv builds the expression "clear the relv bit" (file mode).
func ResetRelv() Expr { return Expr{FlagRelvRst} }

// And combines expressions into a single composite flag mask.
func And(exprs ...Expr) Expr {
	var f Flags
	for _, e := range exprs {
		f |= e.flags
	}
	return Expr{f}
}

// Or is an alias for And at the flag-mask level: CHECK treats a
// combined mask as "all named bits must match the requested state",
// which is the only combinator the scrubber ever needs (skip tests
// check done alone; inode checks check relv alone; nothing in this
// spec requires a true disjunctive CHECK).
func Or(exprs ...Expr) Expr { return And(exprs...) }

func (e Expr) flagsFor(mode Flags) Flags {
	return e.flags | mode
}
