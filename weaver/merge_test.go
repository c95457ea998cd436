package weaver

import (
	"errors"
	"testing"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/mixin"
)

func newTargetClass() *classfile.ClassNode {
	getValue := &classfile.MethodNode{
		Access:    classfile.AccPublic,
		Name:      "getValue",
		Desc:      "()I",
		MaxStack:  1,
		MaxLocals: 1,
	}
	list := bytecode.NewInsnList()
	list.PushBack(bytecode.NewInsn(bytecode.ICONST_1))
	list.PushBack(bytecode.NewInsn(bytecode.IRETURN))
	getValue.Instructions = list

	return &classfile.ClassNode{
		MajorVersion: 52,
		Access:       classfile.AccPublic | classfile.AccSuper,
		Name:         "demo/Widget",
		SuperName:    "java/lang/Object",
		Fields: []*classfile.FieldNode{
			{Access: classfile.AccPrivate, Name: "count", Desc: "I"},
		},
		Methods: []*classfile.MethodNode{getValue},
	}
}

func mixinClass(name string, targets ...string) *classfile.ClassNode {
	if len(targets) == 0 {
		targets = []string{"Ldemo/Widget;"}
	}
	return &classfile.ClassNode{
		MajorVersion:         52,
		Access:               classfile.AccPublic,
		Name:                 name,
		SuperName:            "java/lang/Object",
		InvisibleAnnotations: []*classfile.AnnotationNode{mixinAnnotationNode(targets...)},
	}
}

func mixinAnnotationNode(targets ...string) *classfile.AnnotationNode {
	arr := classfile.ElementValue{Name: "value", Kind: classfile.ElementArray}
	for _, d := range targets {
		arr.Array = append(arr.Array, classfile.ElementValue{Kind: classfile.ElementClass, Str: d})
	}
	return &classfile.AnnotationNode{Desc: mixin.AnnMixin, Values: []classfile.ElementValue{arr}}
}

func parseInfo(t *testing.T, cn *classfile.ClassNode) *mixin.MixinInfo {
	t.Helper()
	info, err := mixin.ParseMixin(cn)
	if err != nil {
		t.Fatalf("ParseMixin: %v", err)
	}
	return info
}

func TestMergeInterfacesNoDuplicates(t *testing.T) {
	target := newTargetClass()
	target.Interfaces = []string{"demo/Sized"}
	mc := mixinClass("demo/mixins/WidgetMixin")
	mc.Interfaces = []string{"demo/Sized", "demo/Named"}

	if err := NewMerger(parseInfo(t, mc), target).Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(target.Interfaces) != 2 || target.Interfaces[1] != "demo/Named" {
		t.Fatalf("interfaces = %v", target.Interfaces)
	}
}

func TestMergeShadowFieldDescriptorConflict(t *testing.T) {
	mc := mixinClass("demo/mixins/WidgetMixin")
	mc.Fields = []*classfile.FieldNode{{
		Access:               classfile.AccPrivate,
		Name:                 "count",
		Desc:                 "J", // target declares I
		InvisibleAnnotations: []*classfile.AnnotationNode{{Desc: mixin.AnnShadow}},
	}}
	err := NewMerger(parseInfo(t, mc), newTargetClass()).Merge()
	if err == nil {
		t.Fatal("conflicting shadow descriptor accepted")
	}
	var me *mixin.Error
	if !errors.As(err, &me) || me.Kind != mixin.ErrStructural {
		t.Fatalf("want structural error, got %v", err)
	}
}

func TestMergeShadowFieldAddsNothing(t *testing.T) {
	target := newTargetClass()
	mc := mixinClass("demo/mixins/WidgetMixin")
	mc.Fields = []*classfile.FieldNode{{
		Access:               classfile.AccPrivate,
		Name:                 "count",
		Desc:                 "I",
		InvisibleAnnotations: []*classfile.AnnotationNode{{Desc: mixin.AnnShadow}},
	}}
	if err := NewMerger(parseInfo(t, mc), target).Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(target.Fields) != 1 {
		t.Fatalf("field count = %d, want 1 (shadow must not duplicate)", len(target.Fields))
	}
}

func TestMergeShadowFieldMissingCounterpart(t *testing.T) {
	mc := mixinClass("demo/mixins/WidgetMixin")
	mc.Fields = []*classfile.FieldNode{{
		Access:               classfile.AccPrivate,
		Name:                 "missing",
		Desc:                 "I",
		InvisibleAnnotations: []*classfile.AnnotationNode{{Desc: mixin.AnnShadow}},
	}}
	if err := NewMerger(parseInfo(t, mc), newTargetClass()).Merge(); err == nil {
		t.Fatal("shadow of a nonexistent field accepted")
	}
}

func TestMergeNewFieldAdded(t *testing.T) {
	target := newTargetClass()
	mc := mixinClass("demo/mixins/WidgetMixin")
	mc.Fields = []*classfile.FieldNode{{Access: classfile.AccPrivate, Name: "cache", Desc: "Ljava/lang/Object;"}}
	if err := NewMerger(parseInfo(t, mc), target).Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if target.FindField("cache", "Ljava/lang/Object;") == nil {
		t.Fatal("new mixin field not added")
	}
}

func TestMergePublicStaticRejected(t *testing.T) {
	mc := mixinClass("demo/mixins/WidgetMixin")
	m := &classfile.MethodNode{
		Access:       classfile.AccPublic | classfile.AccStatic,
		Name:         "helper",
		Desc:         "()V",
		MaxStack:     1,
		MaxLocals:    0,
		Instructions: bytecode.NewInsnList(),
	}
	m.Instructions.PushBack(bytecode.NewInsn(bytecode.RETURN))
	mc.Methods = []*classfile.MethodNode{m}
	if err := NewMerger(parseInfo(t, mc), newTargetClass()).Merge(); err == nil {
		t.Fatal("visible public static method accepted")
	}
}

func TestMergeConcreteMethodReplaces(t *testing.T) {
	target := newTargetClass()
	old := target.FindMethod("getValue", "()I")

	mc := mixinClass("demo/mixins/WidgetMixin")
	m := &classfile.MethodNode{
		Access:    classfile.AccPublic,
		Name:      "getValue",
		Desc:      "()I",
		MaxStack:  1,
		MaxLocals: 1,
	}
	list := bytecode.NewInsnList()
	list.PushBack(bytecode.NewInsn(bytecode.ICONST_2))
	list.PushBack(bytecode.NewInsn(bytecode.IRETURN))
	m.Instructions = list
	mc.Methods = []*classfile.MethodNode{m}

	if err := NewMerger(parseInfo(t, mc), target).Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	replaced := target.FindMethod("getValue", "()I")
	if replaced == old {
		t.Fatal("target method not replaced")
	}
	if replaced == m {
		t.Fatal("merged method must be a clone, not the mixin's own node")
	}
	if replaced.Instructions.First().Op != bytecode.ICONST_2 {
		t.Fatal("replacement body wrong")
	}
	// The mixin's own structure is untouched.
	if m.Instructions.First().Op != bytecode.ICONST_2 || m.Instructions.Size() != 2 {
		t.Fatal("mixin method mutated by merge")
	}
}

func TestMergeOverwriteRequiresTarget(t *testing.T) {
	mc := mixinClass("demo/mixins/WidgetMixin")
	m := &classfile.MethodNode{
		Access:               classfile.AccPublic,
		Name:                 "absent",
		Desc:                 "()V",
		MaxStack:             1,
		Instructions:         bytecode.NewInsnList(),
		InvisibleAnnotations: []*classfile.AnnotationNode{{Desc: mixin.AnnOverwrite}},
	}
	m.Instructions.PushBack(bytecode.NewInsn(bytecode.RETURN))
	mc.Methods = []*classfile.MethodNode{m}
	if err := NewMerger(parseInfo(t, mc), newTargetClass()).Merge(); err == nil {
		t.Fatal("overwrite with no target method accepted")
	}
}

func TestMergeStaticInitAppended(t *testing.T) {
	target := newTargetClass()
	clinit := &classfile.MethodNode{
		Access:    classfile.AccStatic,
		Name:      "<clinit>",
		Desc:      "()V",
		MaxStack:  1,
		MaxLocals: 0,
	}
	tl := bytecode.NewInsnList()
	tl.PushBack(bytecode.NewInsn(bytecode.NOP))
	tl.PushBack(bytecode.NewInsn(bytecode.RETURN))
	clinit.Instructions = tl
	target.Methods = append(target.Methods, clinit)

	mc := mixinClass("demo/mixins/WidgetMixin")
	mi := &classfile.MethodNode{
		Access:    classfile.AccStatic,
		Name:      "<clinit>",
		Desc:      "()V",
		MaxStack:  2,
		MaxLocals: 0,
	}
	ml := bytecode.NewInsnList()
	ml.PushBack(bytecode.NewFieldInsn(bytecode.GETSTATIC, "demo/mixins/WidgetMixin", "FLAG", "Z"))
	ml.PushBack(bytecode.NewInsn(bytecode.POP))
	ml.PushBack(bytecode.NewInsn(bytecode.RETURN))
	mi.Instructions = ml
	mc.Methods = []*classfile.MethodNode{mi}

	if err := NewMerger(parseInfo(t, mc), target).Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	merged := target.FindMethod("<clinit>", "()V")
	if merged != clinit {
		t.Fatal("target static initializer replaced instead of extended")
	}
	// nop, getstatic (re-parented), pop, return
	if merged.Instructions.Size() != 4 {
		t.Fatalf("clinit has %d instructions, want 4", merged.Instructions.Size())
	}
	get := merged.Instructions.First().Next()
	if get.Op != bytecode.GETSTATIC || get.Owner != "demo/Widget" {
		t.Fatalf("appended body not re-parented: %v", get)
	}
	if merged.MaxStack != 2 {
		t.Fatalf("MaxStack = %d, want 2", merged.MaxStack)
	}
}

func TestReparentIdempotent(t *testing.T) {
	m := &classfile.MethodNode{Name: "run", Desc: "()V"}
	list := bytecode.NewInsnList()
	list.PushBack(bytecode.NewFieldInsn(bytecode.GETFIELD, "demo/mixins/WidgetMixin", "count", "I"))
	list.PushBack(bytecode.NewMethodInsn(bytecode.INVOKEVIRT, "demo/mixins/WidgetMixin", "helper", "()V", false))
	list.PushBack(bytecode.NewTypeInsn(bytecode.NEW, "demo/mixins/WidgetMixin"))
	list.PushBack(bytecode.NewFieldInsn(bytecode.GETSTATIC, "demo/Other", "x", "I"))
	list.PushBack(bytecode.NewInsn(bytecode.RETURN))
	m.Instructions = list

	Reparent(m, "demo/mixins/WidgetMixin", "demo/Widget")
	Reparent(m, "demo/mixins/WidgetMixin", "demo/Widget")

	for in := list.First(); in != nil; in = in.Next() {
		if in.Owner == "demo/mixins/WidgetMixin" || in.Type == "demo/mixins/WidgetMixin" {
			t.Fatalf("self-reference survived: %v", in)
		}
	}
	other := list.First().Next().Next().Next()
	if other.Owner != "demo/Other" {
		t.Fatalf("foreign reference rewritten: %v", other)
	}
}

func TestMergeStripsDeclarativeAnnotations(t *testing.T) {
	target := newTargetClass()
	mc := mixinClass("demo/mixins/WidgetMixin")
	m := &classfile.MethodNode{
		Access:    classfile.AccPrivate,
		Name:      "helper",
		Desc:      "()V",
		MaxStack:  1,
		MaxLocals: 1,
		InvisibleAnnotations: []*classfile.AnnotationNode{
			{Desc: mixin.AnnUnique},
			{Desc: "Lweft/annotation/Final;"},
			{Desc: "Ljava/lang/Deprecated;"},
		},
		Instructions: bytecode.NewInsnList(),
	}
	m.Instructions.PushBack(bytecode.NewInsn(bytecode.RETURN))
	mc.Methods = []*classfile.MethodNode{m}

	if err := NewMerger(parseInfo(t, mc), target).Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	merged := target.FindMethod("helper", "()V")
	if merged == nil {
		t.Fatal("method not merged")
	}
	var descs []string
	for _, a := range merged.InvisibleAnnotations {
		descs = append(descs, a.Desc)
	}
	if len(descs) != 2 || descs[0] != "Lweft/annotation/Final;" || descs[1] != "Ljava/lang/Deprecated;" {
		t.Fatalf("annotations = %v, want Final (allow-listed) and Deprecated only", descs)
	}
}
