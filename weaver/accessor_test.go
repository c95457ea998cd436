package weaver

import (
	"testing"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/mixin"
)

func TestInflect(t *testing.T) {
	cases := []struct {
		in    string
		shape accessorShape
		name  string
		ok    bool
	}{
		{"getCount", shapeGetter, "count", true},
		{"isEnabled", shapeGetter, "enabled", true},
		{"setCount", shapeSetter, "count", true},
		{"callCompute", shapeProxy, "compute", true},
		{"invokeReset", shapeProxy, "reset", true},
		{"newWidget", shapeFactory, "widget", true},
		{"createWidget", shapeFactory, "widget", true},
		{"getURL", shapeGetter, "URL", true}, // all-uppercase remainder keeps its casing
		{"getHTMLBody", shapeGetter, "hTMLBody", true},
		{"count", 0, "", false},
		{"get", 0, "", false},
	}
	for _, tc := range cases {
		shape, name, ok := inflect(tc.in)
		if ok != tc.ok || (ok && (shape != tc.shape || name != tc.name)) {
			t.Errorf("inflect(%q) = (%v, %q, %v), want (%v, %q, %v)",
				tc.in, shape, name, ok, tc.shape, tc.name, tc.ok)
		}
	}
}

func accessorOn(access uint16, name, desc string, ann *classfile.AnnotationNode) *classfile.MethodNode {
	return &classfile.MethodNode{
		Access:               access | classfile.AccAbstract,
		Name:                 name,
		Desc:                 desc,
		InvisibleAnnotations: []*classfile.AnnotationNode{ann},
	}
}

func TestSynthesizeGetter(t *testing.T) {
	target := newTargetClass()
	acc := &mixin.AccessorInfo{
		Method: accessorOn(classfile.AccPublic, "getCount", "()I", &classfile.AnnotationNode{Desc: mixin.AnnAccessor}),
		Kind:   mixin.AccessorField,
	}
	info := parseInfo(t, mixinClass("demo/mixins/WidgetAccessor"))
	synth, err := synthesizeAccessor(info, acc, target)
	if err != nil {
		t.Fatalf("synthesizeAccessor: %v", err)
	}
	if synth.IsAbstract() {
		t.Fatal("synthesized accessor still abstract")
	}
	first := synth.Instructions.First()
	if first.Op != bytecode.ALOAD || first.Var != 0 {
		t.Fatalf("getter starts with %v, want aload 0", first)
	}
	get := first.Next()
	if get.Op != bytecode.GETFIELD || get.Name != "count" || get.Owner != "demo/Widget" {
		t.Fatalf("field access = %v", get)
	}
	if get.Next().Op != bytecode.IRETURN {
		t.Fatalf("return = %v", get.Next())
	}
	if target.FindMethod("getCount", "()I") != synth {
		t.Fatal("synthesized method not merged into target")
	}
}

func TestSynthesizeSetterWideField(t *testing.T) {
	target := newTargetClass()
	target.Fields = append(target.Fields, &classfile.FieldNode{
		Access: classfile.AccPrivate, Name: "total", Desc: "J",
	})
	acc := &mixin.AccessorInfo{
		Method: accessorOn(classfile.AccPublic, "setTotal", "(J)V", &classfile.AnnotationNode{Desc: mixin.AnnAccessor}),
		Kind:   mixin.AccessorField,
	}
	info := parseInfo(t, mixinClass("demo/mixins/WidgetAccessor"))
	synth, err := synthesizeAccessor(info, acc, target)
	if err != nil {
		t.Fatalf("synthesizeAccessor: %v", err)
	}
	load := synth.Instructions.First().Next()
	if load.Op != bytecode.LLOAD || load.Var != 1 {
		t.Fatalf("wide argument load = %v, want lload 1", load)
	}
	if synth.MaxStack != 3 {
		t.Fatalf("MaxStack = %d, want 3 (this + wide value)", synth.MaxStack)
	}
	if synth.MaxLocals != 3 {
		t.Fatalf("MaxLocals = %d, want 3", synth.MaxLocals)
	}
}

func TestSynthesizeSetterShapeMismatch(t *testing.T) {
	target := newTargetClass()
	acc := &mixin.AccessorInfo{
		Method: accessorOn(classfile.AccPublic, "setCount", "(J)V", &classfile.AnnotationNode{Desc: mixin.AnnAccessor}),
		Kind:   mixin.AccessorField, // field is I, setter takes J
	}
	info := parseInfo(t, mixinClass("demo/mixins/WidgetAccessor"))
	if _, err := synthesizeAccessor(info, acc, target); err == nil {
		t.Fatal("setter with mismatched field type accepted")
	}
}

func TestSynthesizeProxyPrivateTarget(t *testing.T) {
	target := newTargetClass()
	target.Methods = append(target.Methods, &classfile.MethodNode{
		Access: classfile.AccPrivate, Name: "compute", Desc: "(I)I",
	})
	acc := &mixin.AccessorInfo{
		Method: accessorOn(classfile.AccPublic, "callCompute", "(I)I", &classfile.AnnotationNode{Desc: mixin.AnnInvoker}),
		Kind:   mixin.AccessorMethod,
	}
	info := parseInfo(t, mixinClass("demo/mixins/WidgetAccessor"))
	synth, err := synthesizeAccessor(info, acc, target)
	if err != nil {
		t.Fatalf("synthesizeAccessor: %v", err)
	}
	var call *bytecode.Insn
	for in := synth.Instructions.First(); in != nil; in = in.Next() {
		if in.Name == "compute" {
			call = in
		}
	}
	if call == nil || call.Op != bytecode.INVOKESPEC {
		t.Fatalf("private target must use invokespecial, got %v", call)
	}
}

func TestSynthesizeFactory(t *testing.T) {
	target := newTargetClass()
	target.Methods = append(target.Methods, &classfile.MethodNode{
		Access: classfile.AccPrivate, Name: "<init>", Desc: "(I)V",
	})
	acc := &mixin.AccessorInfo{
		Method: accessorOn(classfile.AccPublic|classfile.AccStatic, "newWidget", "(I)Ldemo/Widget;",
			&classfile.AnnotationNode{Desc: mixin.AnnInvoker}),
		Kind:       mixin.AccessorMethod,
		TargetName: "<init>",
	}
	info := parseInfo(t, mixinClass("demo/mixins/WidgetAccessor"))
	synth, err := synthesizeAccessor(info, acc, target)
	if err != nil {
		t.Fatalf("synthesizeAccessor: %v", err)
	}
	ops := []int{}
	for in := synth.Instructions.First(); in != nil; in = in.Next() {
		ops = append(ops, in.Op)
	}
	want := []int{bytecode.NEW, bytecode.DUP, bytecode.ILOAD, bytecode.INVOKESPEC, bytecode.ARETURN}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestSynthesizeFactoryWrongReturn(t *testing.T) {
	target := newTargetClass()
	target.Methods = append(target.Methods, &classfile.MethodNode{
		Access: classfile.AccPublic, Name: "<init>", Desc: "()V",
	})
	acc := &mixin.AccessorInfo{
		Method: accessorOn(classfile.AccPublic|classfile.AccStatic, "newWidget", "()Ljava/lang/Object;",
			&classfile.AnnotationNode{Desc: mixin.AnnInvoker}),
		Kind:       mixin.AccessorMethod,
		TargetName: "<init>",
	}
	info := parseInfo(t, mixinClass("demo/mixins/WidgetAccessor"))
	if _, err := synthesizeAccessor(info, acc, target); err == nil {
		t.Fatal("factory with non-target return type accepted")
	}
}

func TestSynthesizeAccessorAmbiguous(t *testing.T) {
	target := newTargetClass()
	target.Fields = append(target.Fields, &classfile.FieldNode{Name: "Count", Desc: "I"})
	// Two case-insensitive candidates, no exact match for "cOUNT".
	acc := &mixin.AccessorInfo{
		Method:     accessorOn(classfile.AccPublic, "getX", "()I", &classfile.AnnotationNode{Desc: mixin.AnnAccessor}),
		Kind:       mixin.AccessorField,
		TargetName: "cOUNT",
	}
	info := parseInfo(t, mixinClass("demo/mixins/WidgetAccessor"))
	if _, err := synthesizeAccessor(info, acc, target); err == nil {
		t.Fatal("ambiguous case-insensitive field match accepted")
	}
}
