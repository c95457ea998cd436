// Package classfile reads and writes the compiled class binary format into
// a mutable tree (ClassNode, MethodNode, FieldNode) that the weaving
// layers rewrite. The writer rebuilds the constant pool from the tree, so
// mutated classes always emit consistent pool indices and code lengths.
package classfile

import "github.com/softweave/weft/bytecode"

// Access flags shared by classes, fields and methods.
const (
	AccPublic       = 0x0001
	AccPrivate      = 0x0002
	AccProtected    = 0x0004
	AccStatic       = 0x0008
	AccFinal        = 0x0010
	AccSuper        = 0x0020 // classes
	AccSynchronized = 0x0020 // methods
	AccBridge       = 0x0040
	AccVarargs      = 0x0080
	AccNative       = 0x0100
	AccInterface    = 0x0200
	AccAbstract     = 0x0400
	AccStrict       = 0x0800
	AccSynthetic    = 0x1000
	AccAnnotation   = 0x2000
	AccEnum         = 0x4000
)

// ClassNode is the decoded form of one class.
type ClassNode struct {
	MinorVersion uint16
	MajorVersion uint16
	Access       uint16
	Name         string // internal name, e.g. foo/bar/Baz
	SuperName    string // "" for java/lang/Object
	Interfaces   []string
	Signature    string // generic signature, "" when absent
	SourceFile   string

	Fields  []*FieldNode
	Methods []*MethodNode

	VisibleAnnotations   []*AnnotationNode
	InvisibleAnnotations []*AnnotationNode
}

// FieldNode is one declared field.
type FieldNode struct {
	Access    uint16
	Name      string
	Desc      string
	Signature string
	// ConstantValue, nil unless the field carries one.
	Value *bytecode.ConstValue

	VisibleAnnotations   []*AnnotationNode
	InvisibleAnnotations []*AnnotationNode
}

// MethodNode is one declared method, with its body decoded into an
// instruction list when a Code attribute is present.
type MethodNode struct {
	Access     uint16
	Name       string
	Desc       string
	Signature  string
	Exceptions []string // internal names of declared thrown types

	MaxStack     int
	MaxLocals    int
	Instructions *bytecode.InsnList // nil for abstract and native methods
	TryCatch     []*TryCatch

	VisibleAnnotations   []*AnnotationNode
	InvisibleAnnotations []*AnnotationNode
}

// TryCatch is one exception table entry. Boundaries and handler are label
// pseudo instructions inside the method's list.
type TryCatch struct {
	Start   *bytecode.Insn
	End     *bytecode.Insn
	Handler *bytecode.Insn
	Type    string // internal name; "" catches everything (finally)
}

// IsStatic reports whether the method is static.
func (m *MethodNode) IsStatic() bool { return m.Access&AccStatic != 0 }

// IsAbstract reports whether the method has no body by declaration.
func (m *MethodNode) IsAbstract() bool { return m.Access&AccAbstract != 0 }

// IsConstructor reports whether the method is an instance initializer.
func (m *MethodNode) IsConstructor() bool { return m.Name == "<init>" }

// IsStaticInit reports whether the method is the class initializer.
func (m *MethodNode) IsStaticInit() bool { return m.Name == "<clinit>" }

// FindMethod returns the method with the given name and descriptor, or nil.
func (c *ClassNode) FindMethod(name, desc string) *MethodNode {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// FindField returns the field with the given name, or nil. The descriptor
// is only compared when non-empty.
func (c *ClassNode) FindField(name, desc string) *FieldNode {
	for _, f := range c.Fields {
		if f.Name == name && (desc == "" || f.Desc == desc) {
			return f
		}
	}
	return nil
}

// HasInterface reports whether the class already declares the interface.
func (c *ClassNode) HasInterface(name string) bool {
	for _, itf := range c.Interfaces {
		if itf == name {
			return true
		}
	}
	return false
}

// RemoveMethod unlinks a method from the class. Removing a method that is
// not present is a no-op.
func (c *ClassNode) RemoveMethod(m *MethodNode) {
	for i, have := range c.Methods {
		if have == m {
			c.Methods = append(c.Methods[:i], c.Methods[i+1:]...)
			return
		}
	}
}

// AnnotationNode is a decoded annotation.
type AnnotationNode struct {
	Desc   string // annotation type descriptor, e.g. Lweft/annotation/Inject;
	Values []ElementValue
}

// Get returns the named element value, or nil when absent.
func (a *AnnotationNode) Get(name string) *ElementValue {
	for i := range a.Values {
		if a.Values[i].Name == name {
			return &a.Values[i]
		}
	}
	return nil
}

// ElementKind tags the payload of an annotation element value.
type ElementKind uint8

const (
	ElementConst      ElementKind = iota // primitive constant
	ElementString                        // string
	ElementEnum                          // enum constant
	ElementClass                         // class literal
	ElementAnnotation                    // nested annotation
	ElementArray                         // array of values
)

// ElementValue is one named value inside an annotation. Name is empty for
// array members.
type ElementValue struct {
	Name string
	Kind ElementKind
	Tag  byte // original element_value tag, needed to re-encode consts

	Const  bytecode.ConstValue // ElementConst
	Str    string              // ElementString, ElementClass (descriptor)
	Enum   [2]string           // ElementEnum: type descriptor, constant name
	Nested *AnnotationNode     // ElementAnnotation
	Array  []ElementValue      // ElementArray
}

// StringValue returns the element as a string, or fallback when the
// element is missing or not a string.
func (e *ElementValue) StringValue(fallback string) string {
	if e == nil || e.Kind != ElementString {
		return fallback
	}
	return e.Str
}

// IntValue returns the element as an int, or fallback.
func (e *ElementValue) IntValue(fallback int) int {
	if e == nil || e.Kind != ElementConst {
		return fallback
	}
	return int(e.Const.Int)
}

// BoolValue returns the element as a bool, or fallback.
func (e *ElementValue) BoolValue(fallback bool) bool {
	if e == nil || e.Kind != ElementConst {
		return fallback
	}
	return e.Const.Int != 0
}

// Strings returns the element as a string slice: an array of strings, or a
// single string promoted to a one-element slice.
func (e *ElementValue) Strings() []string {
	if e == nil {
		return nil
	}
	if e.Kind == ElementString {
		return []string{e.Str}
	}
	if e.Kind != ElementArray {
		return nil
	}
	out := make([]string, 0, len(e.Array))
	for i := range e.Array {
		if e.Array[i].Kind == ElementString {
			out = append(out, e.Array[i].Str)
		}
	}
	return out
}

// Annotations returns the element as a slice of nested annotations.
func (e *ElementValue) Annotations() []*AnnotationNode {
	if e == nil {
		return nil
	}
	if e.Kind == ElementAnnotation {
		return []*AnnotationNode{e.Nested}
	}
	if e.Kind != ElementArray {
		return nil
	}
	out := make([]*AnnotationNode, 0, len(e.Array))
	for i := range e.Array {
		if e.Array[i].Kind == ElementAnnotation {
			out = append(out, e.Array[i].Nested)
		}
	}
	return out
}
