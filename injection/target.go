// Package injection rewrites target method bodies: injection point
// resolvers nominate instructions inside a method, and the injector engine
// rewrites the instruction list around them to invoke handler methods,
// keeping argument passing, return coercion and stack bookkeeping intact.
package injection

import (
	"fmt"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/descriptor"
)

// Target is a single method being modified. One Target exists per
// (class, method) pair per application pass and is mutated in place; the
// search phase only ever sees the read-only view.
type Target struct {
	ClassName string
	Method    *classfile.MethodNode

	args      []string // argument descriptors
	argSlot   []int    // local slot of each argument
	origStack int      // MaxStack before any injection this pass
}

// NewTarget wraps a method for an application pass.
func NewTarget(className string, m *classfile.MethodNode) (*Target, error) {
	if m.Instructions == nil {
		return nil, fmt.Errorf("injection: %s.%s%s has no body", className, m.Name, m.Desc)
	}
	args, _, err := descriptor.SplitMethod(m.Desc)
	if err != nil {
		return nil, fmt.Errorf("injection: target %s.%s: %w", className, m.Name, err)
	}
	t := &Target{
		ClassName: className,
		Method:    m,
		args:      args,
		origStack: m.MaxStack,
	}
	slot := 0
	if !m.IsStatic() {
		slot = 1 // this
	}
	for _, a := range args {
		t.argSlot = append(t.argSlot, slot)
		slot += descriptor.SlotSize(a)
	}
	if m.MaxLocals < slot {
		m.MaxLocals = slot
	}
	return t, nil
}

// String renders the target for diagnostics.
func (t *Target) String() string {
	return fmt.Sprintf("%s.%s%s", t.ClassName, t.Method.Name, t.Method.Desc)
}

// IsStatic reports whether the wrapped method is static.
func (t *Target) IsStatic() bool { return t.Method.IsStatic() }

// ReturnType returns the method's return descriptor.
func (t *Target) ReturnType() string {
	_, ret, _ := descriptor.SplitMethod(t.Method.Desc)
	return ret
}

// Args returns the argument descriptors.
func (t *Target) Args() []string { return t.args }

// ArgSlot returns the local variable slot of the i-th argument.
func (t *Target) ArgSlot(i int) int { return t.argSlot[i] }

// View returns the read-only instruction view for the search phase.
func (t *Target) View() *bytecode.ListView { return t.Method.Instructions.View() }

// Insns returns the mutable instruction list for the rewrite phase.
func (t *Target) Insns() *bytecode.InsnList { return t.Method.Instructions }

// ExtendStack records that injected code needs n extra operand stack
// slots beyond the original method's peak. Each injection site reports its
// own requirement; the method keeps the maximum.
func (t *Target) ExtendStack(n int) {
	if t.origStack+n > t.Method.MaxStack {
		t.Method.MaxStack = t.origStack + n
	}
}

// AllocLocal reserves width local slots and returns the first slot index.
func (t *Target) AllocLocal(width int) int {
	slot := t.Method.MaxLocals
	t.Method.MaxLocals += width
	return slot
}

// InsertBefore inserts instructions ahead of mark in order.
func (t *Target) InsertBefore(mark *bytecode.Insn, insns ...*bytecode.Insn) {
	for _, in := range insns {
		t.Method.Instructions.InsertBefore(mark, in)
	}
}

// InsertAfter inserts instructions behind mark in order.
func (t *Target) InsertAfter(mark *bytecode.Insn, insns ...*bytecode.Insn) {
	for i := len(insns) - 1; i >= 0; i-- {
		t.Method.Instructions.InsertAfter(mark, insns[i])
	}
}

// Replace swaps the instruction under node for in and marks the node.
func (t *Target) Replace(node *InjectionNode, in *bytecode.Insn) {
	t.Method.Instructions.Replace(node.Insn(), in)
	node.replaced(in)
}

// Remove deletes the instruction under node and marks the node removed.
func (t *Target) Remove(node *InjectionNode) {
	t.Method.Instructions.Remove(node.Insn())
	node.markRemoved()
}

// LoadArgs emits load instructions for the i-th through j-th (exclusive)
// arguments, returning them in order.
func (t *Target) LoadArgs(from, to int) []*bytecode.Insn {
	var out []*bytecode.Insn
	for i := from; i < to && i < len(t.args); i++ {
		out = append(out, LoadInsn(t.args[i], t.argSlot[i]))
	}
	return out
}

// LoadInsn builds the right xLOAD instruction for a descriptor.
func LoadInsn(desc string, slot int) *bytecode.Insn {
	return bytecode.NewVarInsn(loadOpcode(desc), slot)
}

// StoreInsn builds the right xSTORE instruction for a descriptor.
func StoreInsn(desc string, slot int) *bytecode.Insn {
	return bytecode.NewVarInsn(storeOpcode(desc), slot)
}

func loadOpcode(desc string) int {
	switch desc[0] {
	case 'I', 'Z', 'B', 'C', 'S':
		return bytecode.ILOAD
	case 'J':
		return bytecode.LLOAD
	case 'F':
		return bytecode.FLOAD
	case 'D':
		return bytecode.DLOAD
	default:
		return bytecode.ALOAD
	}
}

func storeOpcode(desc string) int {
	switch desc[0] {
	case 'I', 'Z', 'B', 'C', 'S':
		return bytecode.ISTORE
	case 'J':
		return bytecode.LSTORE
	case 'F':
		return bytecode.FSTORE
	case 'D':
		return bytecode.DSTORE
	default:
		return bytecode.ASTORE
	}
}

// ReturnOpcode returns the xRETURN opcode for a return descriptor.
func ReturnOpcode(desc string) int {
	switch desc[0] {
	case 'V':
		return bytecode.RETURN
	case 'I', 'Z', 'B', 'C', 'S':
		return bytecode.IRETURN
	case 'J':
		return bytecode.LRETURN
	case 'F':
		return bytecode.FRETURN
	case 'D':
		return bytecode.DRETURN
	default:
		return bytecode.ARETURN
	}
}
