package selector

import (
	"errors"
	"fmt"
)

// ErrMatchCount is wrapped by every match-count violation so callers can
// downgrade required-semantics failures into warnings when the global
// required check is disabled.
var ErrMatchCount = errors.New("match count violation")

// Result holds the outcome of running a selector over a candidate list.
// Exact matches always shadow permissive ones: the permissive list is only
// consulted when no candidate matched exactly.
type Result struct {
	Selector   TargetSelector
	Exact      []ElementNode
	Permissive []ElementNode
}

// Run evaluates the selector against candidates in forward scan order and
// applies ordinal narrowing, then descends the selector's next() chain
// into the matched methods' instruction lists. The selector must have
// been validated.
func Run(sel TargetSelector, candidates []ElementNode) *Result {
	res := runPass(sel, candidates)
	for next := sel.Next(); next != nil; next = next.Next() {
		res = runPass(next, insnCandidates(res.Matches()))
	}
	return res
}

func runPass(sel TargetSelector, candidates []ElementNode) *Result {
	res := &Result{Selector: sel}
	for _, node := range candidates {
		switch sel.Match(node) {
		case MatchExact:
			res.Exact = append(res.Exact, node)
		case MatchPermissive:
			res.Permissive = append(res.Permissive, node)
		}
	}
	if ord := sel.Ordinal(); ord >= 0 {
		res.Exact = nth(res.Exact, ord)
		res.Permissive = nth(res.Permissive, ord)
	}
	return res
}

// insnCandidates flattens the instruction lists of matched methods into
// element nodes for the next nesting level.
func insnCandidates(matches []ElementNode) []ElementNode {
	var out []ElementNode
	for _, m := range matches {
		if m.Method == nil || m.Method.Instructions == nil {
			continue
		}
		for in := m.Method.Instructions.First(); in != nil; in = in.Next() {
			if in.IsReal() {
				out = append(out, InsnElement(in))
			}
		}
	}
	return out
}

func nth(nodes []ElementNode, ord int) []ElementNode {
	if ord >= len(nodes) {
		return nil
	}
	return nodes[ord : ord+1]
}

// Matches returns the effective match set: exact matches, or the
// permissive fallback when nothing matched exactly.
func (r *Result) Matches() []ElementNode {
	if len(r.Exact) > 0 {
		return r.Exact
	}
	return r.Permissive
}

// WasPermissive reports whether the effective matches came from the
// descriptor-relaxed fallback pass.
func (r *Result) WasPermissive() bool {
	return len(r.Exact) == 0 && len(r.Permissive) > 0
}

// ValidateCount enforces the selector's declared min/max match counts,
// raising a validation error that identifies the selector and its owner.
func (r *Result) ValidateCount(owner string) error {
	n := len(r.Matches())
	min := r.Selector.MinMatchCount()
	max := r.Selector.MaxMatchCount()
	if n < min {
		return fmt.Errorf("selector: %s in %s requires at least %d match(es), found %d: %w",
			r.Selector, owner, min, n, ErrMatchCount)
	}
	if max > 0 && n > max {
		return fmt.Errorf("selector: %s in %s permits at most %d match(es), found %d: %w",
			r.Selector, owner, max, n, ErrMatchCount)
	}
	return nil
}
