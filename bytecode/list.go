package bytecode

import "fmt"

// InsnList is a doubly-linked list of instructions. Instructions belong to
// at most one list at a time; inserting an instruction that is already
// owned panics, since silent aliasing between method bodies is always a
// logic bug.
type InsnList struct {
	first, last *Insn
	size        int
}

// NewInsnList creates an empty instruction list.
func NewInsnList() *InsnList { return &InsnList{} }

// First returns the first instruction, or nil when empty.
func (l *InsnList) First() *Insn { return l.first }

// Last returns the last instruction, or nil when empty.
func (l *InsnList) Last() *Insn { return l.last }

// Size returns the number of instructions, pseudo ops included.
func (l *InsnList) Size() int { return l.size }

// Contains reports whether in belongs to this list.
func (l *InsnList) Contains(in *Insn) bool { return in != nil && in.list == l }

func (l *InsnList) claim(in *Insn) {
	if in.list != nil {
		panic(fmt.Sprintf("bytecode: instruction %s already belongs to a list", in))
	}
	in.list = l
}

// PushBack appends an instruction to the end of the list.
func (l *InsnList) PushBack(in *Insn) {
	l.claim(in)
	in.prev = l.last
	in.next = nil
	if l.last != nil {
		l.last.next = in
	} else {
		l.first = in
	}
	l.last = in
	l.size++
}

// InsertBefore inserts in ahead of mark, which must belong to the list.
func (l *InsnList) InsertBefore(mark, in *Insn) {
	l.mustOwn(mark)
	l.claim(in)
	in.next = mark
	in.prev = mark.prev
	if mark.prev != nil {
		mark.prev.next = in
	} else {
		l.first = in
	}
	mark.prev = in
	l.size++
}

// InsertAfter inserts in behind mark, which must belong to the list.
func (l *InsnList) InsertAfter(mark, in *Insn) {
	l.mustOwn(mark)
	l.claim(in)
	in.prev = mark
	in.next = mark.next
	if mark.next != nil {
		mark.next.prev = in
	} else {
		l.last = in
	}
	mark.next = in
	l.size++
}

// Remove unlinks in from the list. The instruction keeps its operand state
// and may be re-inserted elsewhere.
func (l *InsnList) Remove(in *Insn) {
	l.mustOwn(in)
	if in.prev != nil {
		in.prev.next = in.next
	} else {
		l.first = in.next
	}
	if in.next != nil {
		in.next.prev = in.prev
	} else {
		l.last = in.prev
	}
	in.prev, in.next, in.list = nil, nil, nil
	l.size--
}

// Replace swaps old for in at the same position.
func (l *InsnList) Replace(old, in *Insn) {
	l.InsertBefore(old, in)
	l.Remove(old)
}

// IndexOf returns the zero-based position of in, or -1 when absent.
func (l *InsnList) IndexOf(in *Insn) int {
	i := 0
	for cur := l.first; cur != nil; cur = cur.next {
		if cur == in {
			return i
		}
		i++
	}
	return -1
}

// InsertListBefore splices every instruction of src ahead of mark,
// emptying src.
func (l *InsnList) InsertListBefore(mark *Insn, src *InsnList) {
	for src.first != nil {
		in := src.first
		src.Remove(in)
		l.InsertBefore(mark, in)
	}
}

func (l *InsnList) mustOwn(in *Insn) {
	if in == nil || in.list != l {
		panic("bytecode: instruction does not belong to this list")
	}
}

// View returns a read-only view over the list for the search phase.
func (l *InsnList) View() *ListView { return &ListView{list: l} }
