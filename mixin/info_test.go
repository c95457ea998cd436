package mixin

import (
	"errors"
	"testing"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/injection"
)

func strElem(name, v string) classfile.ElementValue {
	return classfile.ElementValue{Name: name, Kind: classfile.ElementString, Str: v}
}

func intElem(name string, v int64) classfile.ElementValue {
	return classfile.ElementValue{
		Name: name, Kind: classfile.ElementConst, Tag: 'I',
		Const: bytecode.ConstValue{Kind: bytecode.ConstInt, Int: v},
	}
}

func boolElem(name string, v bool) classfile.ElementValue {
	n := int64(0)
	if v {
		n = 1
	}
	e := intElem(name, n)
	e.Tag = 'Z'
	return e
}

func classArrayElem(name string, descs ...string) classfile.ElementValue {
	arr := classfile.ElementValue{Name: name, Kind: classfile.ElementArray}
	for _, d := range descs {
		arr.Array = append(arr.Array, classfile.ElementValue{Kind: classfile.ElementClass, Str: d})
	}
	return arr
}

func mixinAnnotation(priority int, targets ...string) *classfile.AnnotationNode {
	ann := &classfile.AnnotationNode{
		Desc:   AnnMixin,
		Values: []classfile.ElementValue{classArrayElem("value", targets...)},
	}
	if priority != 0 {
		ann.Values = append(ann.Values, intElem("priority", int64(priority)))
	}
	return ann
}

func atAnnotation(code string, extra ...classfile.ElementValue) classfile.ElementValue {
	nested := &classfile.AnnotationNode{
		Desc:   AnnAt,
		Values: append([]classfile.ElementValue{strElem("value", code)}, extra...),
	}
	return classfile.ElementValue{Kind: classfile.ElementAnnotation, Nested: nested}
}

func TestParseMixinRejectsUnannotated(t *testing.T) {
	cn := &classfile.ClassNode{Name: "demo/mixins/Plain"}
	if _, err := ParseMixin(cn); err == nil {
		t.Fatal("class without mixin annotation accepted")
	}
}

func TestParseMixinTargetsAndPriority(t *testing.T) {
	cn := &classfile.ClassNode{
		Name:                 "demo/mixins/WidgetMixin",
		InvisibleAnnotations: []*classfile.AnnotationNode{mixinAnnotation(500, "Ldemo/Widget;", "Ldemo/Gadget;")},
	}
	info, err := ParseMixin(cn)
	if err != nil {
		t.Fatalf("ParseMixin: %v", err)
	}
	if len(info.Targets) != 2 || info.Targets[0] != "demo/Widget" || info.Targets[1] != "demo/Gadget" {
		t.Fatalf("targets = %v", info.Targets)
	}
	if info.Priority != 500 {
		t.Fatalf("priority = %d, want 500", info.Priority)
	}
}

func TestParseMixinDefaultPriority(t *testing.T) {
	cn := &classfile.ClassNode{
		Name:                 "demo/mixins/WidgetMixin",
		InvisibleAnnotations: []*classfile.AnnotationNode{mixinAnnotation(0, "Ldemo/Widget;")},
	}
	info, err := ParseMixin(cn)
	if err != nil {
		t.Fatalf("ParseMixin: %v", err)
	}
	if info.Priority != DefaultPriority {
		t.Fatalf("priority = %d, want %d", info.Priority, DefaultPriority)
	}
}

func TestParseMixinNoTargets(t *testing.T) {
	cn := &classfile.ClassNode{
		Name:                 "demo/mixins/WidgetMixin",
		InvisibleAnnotations: []*classfile.AnnotationNode{{Desc: AnnMixin}},
	}
	if _, err := ParseMixin(cn); err == nil {
		t.Fatal("mixin without targets accepted")
	}
}

func TestParseInjectAnnotation(t *testing.T) {
	handler := &classfile.MethodNode{
		Access: classfile.AccPrivate,
		Name:   "onGetValue",
		Desc:   "(Lweft/callback/CallbackInfoReturnable;)V",
		InvisibleAnnotations: []*classfile.AnnotationNode{{
			Desc: AnnInject,
			Values: []classfile.ElementValue{
				strElem("method", "getValue()I"),
				{Name: "at", Kind: classfile.ElementArray, Array: []classfile.ElementValue{atAnnotation("HEAD")}},
				boolElem("cancellable", true),
			},
		}},
	}
	cn := &classfile.ClassNode{
		Name:                 "demo/mixins/WidgetMixin",
		InvisibleAnnotations: []*classfile.AnnotationNode{mixinAnnotation(0, "Ldemo/Widget;")},
		Methods:              []*classfile.MethodNode{handler},
	}
	info, err := ParseMixin(cn)
	if err != nil {
		t.Fatalf("ParseMixin: %v", err)
	}
	if len(info.Injections) != 1 {
		t.Fatalf("parsed %d injections, want 1", len(info.Injections))
	}
	inj := info.Injections[0]
	if inj.Strategy != injection.StrategyCallback {
		t.Fatalf("strategy = %v", inj.Strategy)
	}
	if !inj.Cancellable {
		t.Fatal("cancellable flag lost")
	}
	if len(inj.Methods) != 1 || inj.Methods[0].Name != "getValue" || inj.Methods[0].Desc != "()I" {
		t.Fatalf("method selector = %+v", inj.Methods)
	}
	if len(inj.Points) != 1 || inj.Points[0].Code() != "HEAD" {
		t.Fatalf("points = %v", inj.Points)
	}
	if inj.Require != -1 {
		t.Fatalf("require = %d, want -1 (config default)", inj.Require)
	}
}

func TestParseInjectMissingAt(t *testing.T) {
	handler := &classfile.MethodNode{
		Name: "onTick",
		Desc: "(Lweft/callback/CallbackInfo;)V",
		InvisibleAnnotations: []*classfile.AnnotationNode{{
			Desc:   AnnInject,
			Values: []classfile.ElementValue{strElem("method", "tick()V")},
		}},
	}
	cn := &classfile.ClassNode{
		Name:                 "demo/mixins/WidgetMixin",
		InvisibleAnnotations: []*classfile.AnnotationNode{mixinAnnotation(0, "Ldemo/Widget;")},
		Methods:              []*classfile.MethodNode{handler},
	}
	_, err := ParseMixin(cn)
	if err == nil {
		t.Fatal("injection without @At accepted")
	}
	var me *Error
	if !errors.As(err, &me) || me.Kind != ErrConfig {
		t.Fatalf("want config error, got %v", err)
	}
}

func TestParseShadowFieldWithFinal(t *testing.T) {
	f := &classfile.FieldNode{
		Access: classfile.AccPrivate,
		Name:   "count",
		Desc:   "I",
		InvisibleAnnotations: []*classfile.AnnotationNode{
			{Desc: AnnShadow},
			{Desc: AnnFinal},
		},
	}
	cn := &classfile.ClassNode{
		Name:                 "demo/mixins/WidgetMixin",
		InvisibleAnnotations: []*classfile.AnnotationNode{mixinAnnotation(0, "Ldemo/Widget;")},
		Fields:               []*classfile.FieldNode{f},
	}
	info, err := ParseMixin(cn)
	if err != nil {
		t.Fatalf("ParseMixin: %v", err)
	}
	if len(info.Shadows) != 1 {
		t.Fatalf("parsed %d shadows, want 1", len(info.Shadows))
	}
	sh := info.Shadows[0]
	if sh.Name() != "count" || sh.Desc() != "I" || !sh.Final {
		t.Fatalf("shadow = %+v", sh)
	}
}

func TestParseConflictingAnnotations(t *testing.T) {
	m := &classfile.MethodNode{
		Name: "getValue",
		Desc: "()I",
		InvisibleAnnotations: []*classfile.AnnotationNode{
			{Desc: AnnShadow},
			{Desc: AnnOverwrite},
		},
	}
	cn := &classfile.ClassNode{
		Name:                 "demo/mixins/WidgetMixin",
		InvisibleAnnotations: []*classfile.AnnotationNode{mixinAnnotation(0, "Ldemo/Widget;")},
		Methods:              []*classfile.MethodNode{m},
	}
	if _, err := ParseMixin(cn); err == nil {
		t.Fatal("shadow+overwrite on one method accepted")
	}
}

func TestParseAccessorExplicitTarget(t *testing.T) {
	m := &classfile.MethodNode{
		Access: classfile.AccAbstract,
		Name:   "getCount",
		Desc:   "()I",
		InvisibleAnnotations: []*classfile.AnnotationNode{{
			Desc:   AnnAccessor,
			Values: []classfile.ElementValue{strElem("value", "internalCount")},
		}},
	}
	cn := &classfile.ClassNode{
		Name:                 "demo/mixins/WidgetAccessor",
		InvisibleAnnotations: []*classfile.AnnotationNode{mixinAnnotation(0, "Ldemo/Widget;")},
		Methods:              []*classfile.MethodNode{m},
	}
	info, err := ParseMixin(cn)
	if err != nil {
		t.Fatalf("ParseMixin: %v", err)
	}
	if len(info.Accessors) != 1 {
		t.Fatalf("parsed %d accessors, want 1", len(info.Accessors))
	}
	acc := info.Accessors[0]
	if acc.Kind != AccessorField || acc.TargetName != "internalCount" {
		t.Fatalf("accessor = %+v", acc)
	}
}
