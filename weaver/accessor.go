package weaver

import (
	"fmt"
	"strings"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/descriptor"
	"github.com/softweave/weft/injection"
	"github.com/softweave/weft/mixin"
)

// accessorShape is the synthesis variant derived from the accessor's name
// prefix and method shape.
type accessorShape uint8

const (
	shapeGetter accessorShape = iota
	shapeSetter
	shapeProxy
	shapeFactory
)

// inflect derives the target member name and shape from an accessor
// method name. The prefix grammar is fixed: get/is mean getter, set means
// setter, call/invoke mean proxy, new/create mean factory. The remainder's
// leading character is lower-cased unless the remainder is entirely
// upper-case.
func inflect(name string) (accessorShape, string, bool) {
	for _, p := range []struct {
		prefix string
		shape  accessorShape
	}{
		{"get", shapeGetter},
		{"is", shapeGetter},
		{"set", shapeSetter},
		{"call", shapeProxy},
		{"invoke", shapeProxy},
		{"new", shapeFactory},
		{"create", shapeFactory},
	} {
		rest, ok := strings.CutPrefix(name, p.prefix)
		if !ok || rest == "" {
			continue
		}
		return p.shape, decap(rest), true
	}
	return 0, "", false
}

func decap(s string) string {
	if s == strings.ToUpper(s) {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// synthesizeAccessor replaces an abstract accessor or invoker method with
// a concrete body against the target class, and returns the merged method.
func synthesizeAccessor(info *mixin.MixinInfo, acc *mixin.AccessorInfo, target *classfile.ClassNode) (*classfile.MethodNode, error) {
	member := acc.Method.Name + acc.Method.Desc
	fail := func(format string, args ...any) error {
		return mixin.StructuralError(info.Name, target.Name, member, fmt.Errorf(format, args...))
	}
	if !acc.Method.IsAbstract() {
		return nil, mixin.ConfigError(info.Name, member, fmt.Errorf("accessor must be abstract"))
	}

	args, ret, err := descriptor.SplitMethod(acc.Method.Desc)
	if err != nil {
		return nil, mixin.ConfigError(info.Name, member, err)
	}

	shape, targetName, err := resolveShape(acc, args, ret, target.Name)
	if err != nil {
		return nil, mixin.ConfigError(info.Name, member, err)
	}

	synth := cloneMethod(acc.Method)
	synth.Access &^= classfile.AccAbstract
	synth.VisibleAnnotations = filterWeft(acc.Method.VisibleAnnotations)
	synth.InvisibleAnnotations = filterWeft(acc.Method.InvisibleAnnotations)

	switch shape {
	case shapeGetter, shapeSetter:
		field, err := resolveField(target, targetName)
		if err != nil {
			return nil, fail("%v", err)
		}
		if shape == shapeGetter {
			if len(args) != 0 || ret != field.Desc {
				return nil, fail("getter shape ()%s does not fit field %s:%s", ret, field.Name, field.Desc)
			}
			emitGetter(synth, target.Name, field)
		} else {
			if len(args) != 1 || ret != "V" || args[0] != field.Desc {
				return nil, fail("setter shape does not fit field %s:%s", field.Name, field.Desc)
			}
			emitSetter(synth, target.Name, field)
		}
	case shapeProxy:
		method, err := resolveMethod(target, targetName, acc.Method.Desc)
		if err != nil {
			return nil, fail("%v", err)
		}
		emitProxy(synth, target.Name, method, args, ret)
	case shapeFactory:
		if !acc.Method.IsStatic() {
			return nil, fail("factory invoker must be static")
		}
		if ret != descriptor.ToDescriptor(target.Name) {
			return nil, fail("factory must return %s exactly", target.Name)
		}
		ctorDesc := "(" + strings.Join(args, "") + ")V"
		if target.FindMethod("<init>", ctorDesc) == nil {
			return nil, fail("no constructor %s", ctorDesc)
		}
		emitFactory(synth, target.Name, ctorDesc, args)
	}

	if existing := target.FindMethod(synth.Name, synth.Desc); existing != nil {
		target.RemoveMethod(existing)
	}
	target.Methods = append(target.Methods, synth)
	return synth, nil
}

// resolveShape decides the synthesis variant: an explicit target name
// keeps the shape implied by the method's signature, otherwise the name
// is inflected against the prefix grammar.
func resolveShape(acc *mixin.AccessorInfo, args []string, ret, targetClass string) (accessorShape, string, error) {
	if acc.TargetName != "" {
		name := acc.TargetName
		if acc.Kind == mixin.AccessorField {
			if len(args) == 0 && ret != "V" {
				return shapeGetter, name, nil
			}
			if len(args) == 1 && ret == "V" {
				return shapeSetter, name, nil
			}
			return 0, "", fmt.Errorf("accessor shape is neither getter nor setter")
		}
		if name == "<init>" {
			return shapeFactory, name, nil
		}
		return shapeProxy, name, nil
	}
	shape, name, ok := inflect(acc.Method.Name)
	if !ok {
		return 0, "", fmt.Errorf("cannot derive target from name %q", acc.Method.Name)
	}
	if acc.Kind == mixin.AccessorField && shape != shapeGetter && shape != shapeSetter {
		return 0, "", fmt.Errorf("accessor name %q does not inflect to a field access", acc.Method.Name)
	}
	if acc.Kind == mixin.AccessorMethod && (shape == shapeGetter || shape == shapeSetter) {
		return 0, "", fmt.Errorf("invoker name %q inflects to a field access", acc.Method.Name)
	}
	return shape, name, nil
}

// resolveField finds exactly one matching target field: exact case first,
// then a unique case-insensitive candidate.
func resolveField(target *classfile.ClassNode, name string) (*classfile.FieldNode, error) {
	if f := target.FindField(name, ""); f != nil {
		return f, nil
	}
	var loose []*classfile.FieldNode
	for _, f := range target.Fields {
		if strings.EqualFold(f.Name, name) {
			loose = append(loose, f)
		}
	}
	switch len(loose) {
	case 1:
		return loose[0], nil
	case 0:
		return nil, fmt.Errorf("no field %q in target", name)
	default:
		return nil, fmt.Errorf("field name %q is ambiguous: %d case-insensitive matches", name, len(loose))
	}
}

// resolveMethod finds exactly one matching target method by name and
// descriptor, falling back to a unique case-insensitive name match.
func resolveMethod(target *classfile.ClassNode, name, desc string) (*classfile.MethodNode, error) {
	if m := target.FindMethod(name, desc); m != nil {
		return m, nil
	}
	var loose []*classfile.MethodNode
	for _, m := range target.Methods {
		if m.Desc == desc && strings.EqualFold(m.Name, name) {
			loose = append(loose, m)
		}
	}
	switch len(loose) {
	case 1:
		return loose[0], nil
	case 0:
		return nil, fmt.Errorf("no method %s%s in target", name, desc)
	default:
		return nil, fmt.Errorf("method name %q is ambiguous: %d case-insensitive matches", name, len(loose))
	}
}

func fieldIsStatic(f *classfile.FieldNode) bool {
	return f.Access&classfile.AccStatic != 0
}

func emitGetter(m *classfile.MethodNode, owner string, field *classfile.FieldNode) {
	list := bytecode.NewInsnList()
	if fieldIsStatic(field) {
		list.PushBack(bytecode.NewFieldInsn(bytecode.GETSTATIC, owner, field.Name, field.Desc))
	} else {
		list.PushBack(bytecode.NewVarInsn(bytecode.ALOAD, 0))
		list.PushBack(bytecode.NewFieldInsn(bytecode.GETFIELD, owner, field.Name, field.Desc))
	}
	list.PushBack(bytecode.NewInsn(injection.ReturnOpcode(field.Desc)))
	m.Instructions = list
	m.MaxStack = descriptor.SlotSize(field.Desc)
	if !fieldIsStatic(field) && m.MaxStack < 1+descriptor.SlotSize(field.Desc) {
		m.MaxStack = 1 + descriptor.SlotSize(field.Desc)
	}
	m.MaxLocals = 1
	if m.IsStatic() {
		m.MaxLocals = 0
	}
}

func emitSetter(m *classfile.MethodNode, owner string, field *classfile.FieldNode) {
	list := bytecode.NewInsnList()
	argSlot := 1
	if m.IsStatic() {
		argSlot = 0
	}
	if fieldIsStatic(field) {
		list.PushBack(injection.LoadInsn(field.Desc, argSlot))
		list.PushBack(bytecode.NewFieldInsn(bytecode.PUTSTATIC, owner, field.Name, field.Desc))
		m.MaxStack = descriptor.SlotSize(field.Desc)
	} else {
		list.PushBack(bytecode.NewVarInsn(bytecode.ALOAD, 0))
		list.PushBack(injection.LoadInsn(field.Desc, argSlot))
		list.PushBack(bytecode.NewFieldInsn(bytecode.PUTFIELD, owner, field.Name, field.Desc))
		m.MaxStack = 1 + descriptor.SlotSize(field.Desc)
	}
	list.PushBack(bytecode.NewInsn(bytecode.RETURN))
	m.Instructions = list
	m.MaxLocals = argSlot + descriptor.SlotSize(field.Desc)
}

func emitProxy(m *classfile.MethodNode, owner string, targetMethod *classfile.MethodNode, args []string, ret string) {
	list := bytecode.NewInsnList()
	slot := 0
	stack := 0
	if !targetMethod.IsStatic() {
		list.PushBack(bytecode.NewVarInsn(bytecode.ALOAD, 0))
		slot = 1
		stack = 1
	} else if !m.IsStatic() {
		slot = 1
	}
	for _, a := range args {
		list.PushBack(injection.LoadInsn(a, slot))
		slot += descriptor.SlotSize(a)
		stack += descriptor.SlotSize(a)
	}
	op := bytecode.INVOKEVIRT
	switch {
	case targetMethod.IsStatic():
		op = bytecode.INVOKESTAT
	case targetMethod.Access&classfile.AccPrivate != 0:
		op = bytecode.INVOKESPEC
	}
	list.PushBack(bytecode.NewMethodInsn(op, owner, targetMethod.Name, targetMethod.Desc, false))
	list.PushBack(bytecode.NewInsn(injection.ReturnOpcode(ret)))
	m.Instructions = list
	if rs := descriptor.SlotSize(ret); rs > stack {
		stack = rs
	}
	if stack == 0 {
		stack = 1
	}
	m.MaxStack = stack
	m.MaxLocals = slot
}

func emitFactory(m *classfile.MethodNode, owner, ctorDesc string, args []string) {
	list := bytecode.NewInsnList()
	list.PushBack(bytecode.NewTypeInsn(bytecode.NEW, owner))
	list.PushBack(bytecode.NewInsn(bytecode.DUP))
	slot := 0
	stack := 2
	for _, a := range args {
		list.PushBack(injection.LoadInsn(a, slot))
		slot += descriptor.SlotSize(a)
		stack += descriptor.SlotSize(a)
	}
	list.PushBack(bytecode.NewMethodInsn(bytecode.INVOKESPEC, owner, "<init>", ctorDesc, false))
	list.PushBack(bytecode.NewInsn(bytecode.ARETURN))
	m.Instructions = list
	m.MaxStack = stack
	m.MaxLocals = slot
}
