package bytecode

// ListView is a read-only view over an InsnList, handed to injection point
// resolvers during the search phase. It is a distinct type rather than a
// convention so matcher code cannot reach mutation methods at all.
type ListView struct {
	list *InsnList
}

// First returns the first instruction, or nil when empty.
func (v *ListView) First() *Insn { return v.list.first }

// Last returns the last instruction, or nil when empty.
func (v *ListView) Last() *Insn { return v.list.last }

// Size returns the number of instructions, pseudo ops included.
func (v *ListView) Size() int { return v.list.size }

// Contains reports whether in belongs to the viewed list.
func (v *ListView) Contains(in *Insn) bool { return v.list.Contains(in) }

// IndexOf returns the zero-based position of in, or -1 when absent.
func (v *ListView) IndexOf(in *Insn) int { return v.list.IndexOf(in) }

// Slice returns a view restricted to [from, to]. Either bound may be nil,
// meaning the corresponding end of the list. Bounds must belong to the
// viewed list.
func (v *ListView) Slice(from, to *Insn) *SliceView {
	if from == nil {
		from = v.list.first
	}
	if to == nil {
		to = v.list.last
	}
	return &SliceView{view: v, from: from, to: to}
}

// SliceView is a ListView restricted to a contiguous sub-range.
type SliceView struct {
	view     *ListView
	from, to *Insn
}

// First returns the first instruction in range.
func (s *SliceView) First() *Insn { return s.from }

// Contains reports whether in falls inside the slice range.
func (s *SliceView) Contains(in *Insn) bool {
	for cur := s.from; cur != nil; cur = cur.next {
		if cur == in {
			return true
		}
		if cur == s.to {
			break
		}
	}
	return false
}

// Each calls fn for every instruction in range, stopping early when fn
// returns false.
func (s *SliceView) Each(fn func(*Insn) bool) {
	for cur := s.from; cur != nil; cur = cur.next {
		if !fn(cur) {
			return
		}
		if cur == s.to {
			return
		}
	}
}
