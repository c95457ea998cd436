// Package selector locates members and instructions from declarative
// member patterns. Selectors never mutate what they search; candidates are
// wrapped in a uniform element-node abstraction so the same matcher chain
// runs against methods, fields or individual instructions.
package selector

import (
	"fmt"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
)

// ElementKind says what an ElementNode wraps.
type ElementKind uint8

const (
	KindMethod ElementKind = iota
	KindField
	KindInsn
)

// ElementNode is one candidate for selection: a method, a field, or a
// member-referencing instruction, reduced to owner/name/descriptor
// coordinates.
type ElementNode struct {
	Kind  ElementKind
	Owner string
	Name  string
	Desc  string

	Method *classfile.MethodNode
	Field  *classfile.FieldNode
	Insn   *bytecode.Insn
}

// MethodElement wraps a declared method.
func MethodElement(owner string, m *classfile.MethodNode) ElementNode {
	return ElementNode{Kind: KindMethod, Owner: owner, Name: m.Name, Desc: m.Desc, Method: m}
}

// FieldElement wraps a declared field.
func FieldElement(owner string, f *classfile.FieldNode) ElementNode {
	return ElementNode{Kind: KindField, Owner: owner, Name: f.Name, Desc: f.Desc, Field: f}
}

// InsnElement wraps a field access or method invocation instruction.
// Other instructions produce an element with empty coordinates, which no
// member selector matches.
func InsnElement(in *bytecode.Insn) ElementNode {
	e := ElementNode{Kind: KindInsn, Insn: in}
	switch in.Format() {
	case bytecode.FormatField, bytecode.FormatMethod:
		e.Owner, e.Name, e.Desc = in.Owner, in.Name, in.Desc
	case bytecode.FormatInvokeDyn:
		e.Name, e.Desc = in.Name, in.Desc
	}
	return e
}

// String renders the element for error messages.
func (e ElementNode) String() string {
	switch e.Kind {
	case KindMethod:
		return fmt.Sprintf("method %s.%s%s", e.Owner, e.Name, e.Desc)
	case KindField:
		return fmt.Sprintf("field %s.%s:%s", e.Owner, e.Name, e.Desc)
	default:
		if e.Insn != nil {
			return fmt.Sprintf("insn %s", e.Insn)
		}
		return "insn <nil>"
	}
}
