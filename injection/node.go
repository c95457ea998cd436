package injection

import (
	"github.com/softweave/weft/bytecode"
)

// InjectionNode wraps one nominated instruction. Several injectors may act
// on the same instruction; the node records replacement and removal so
// later injectors can skip or cooperate, and carries decorations
// contributed by the resolvers that nominated it. Nodes never outlive a
// single application pass.
type InjectionNode struct {
	original    *bytecode.Insn
	current     *bytecode.Insn
	removed     bool
	nominators  []string
	decorations map[string]any
}

func newInjectionNode(in *bytecode.Insn) *InjectionNode {
	return &InjectionNode{original: in, current: in}
}

// Insn returns the current underlying instruction: the original one, or
// its replacement after an injector substituted it.
func (n *InjectionNode) Insn() *bytecode.Insn { return n.current }

// Original returns the instruction as nominated, even after replacement.
func (n *InjectionNode) Original() *bytecode.Insn { return n.original }

// IsRemoved reports whether an earlier injector removed the instruction.
func (n *InjectionNode) IsRemoved() bool { return n.removed }

func (n *InjectionNode) markRemoved() { n.removed = true }

func (n *InjectionNode) replaced(with *bytecode.Insn) { n.current = with }

// Nominators lists the injection point codes that selected this
// instruction, for diagnostics.
func (n *InjectionNode) Nominators() []string { return n.nominators }

func (n *InjectionNode) addNominator(code string) {
	for _, have := range n.nominators {
		if have == code {
			return
		}
	}
	n.nominators = append(n.nominators, code)
}

// Decorate attaches an arbitrary value under key for cooperating
// injectors.
func (n *InjectionNode) Decorate(key string, value any) {
	if n.decorations == nil {
		n.decorations = make(map[string]any)
	}
	n.decorations[key] = value
}

// Decoration returns the value stored under key, or nil.
func (n *InjectionNode) Decoration(key string) any {
	return n.decorations[key]
}

// HasDecoration reports whether key was decorated.
func (n *InjectionNode) HasDecoration(key string) bool {
	_, ok := n.decorations[key]
	return ok
}

// NodeSet collects nominated instructions deduplicated by identity,
// preserving nomination order.
type NodeSet struct {
	byInsn map[*bytecode.Insn]*InjectionNode
	order  []*InjectionNode
}

// NewNodeSet creates an empty set.
func NewNodeSet() *NodeSet {
	return &NodeSet{byInsn: make(map[*bytecode.Insn]*InjectionNode)}
}

// Add nominates an instruction for the given injection point code,
// returning the node (existing or new).
func (s *NodeSet) Add(in *bytecode.Insn, code string) *InjectionNode {
	node, ok := s.byInsn[in]
	if !ok {
		node = newInjectionNode(in)
		s.byInsn[in] = node
		s.order = append(s.order, node)
	}
	node.addNominator(code)
	return node
}

// Nodes returns the nodes in nomination order.
func (s *NodeSet) Nodes() []*InjectionNode { return s.order }

// Len returns the number of distinct nominated instructions.
func (s *NodeSet) Len() int { return len(s.order) }
