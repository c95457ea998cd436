package weaver

import (
	"testing"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/injection"
	"github.com/softweave/weft/mixin"
)

func strValue(name, v string) classfile.ElementValue {
	return classfile.ElementValue{Name: name, Kind: classfile.ElementString, Str: v}
}

func boolValue(name string, v bool) classfile.ElementValue {
	n := int64(0)
	if v {
		n = 1
	}
	return classfile.ElementValue{
		Name: name, Kind: classfile.ElementConst, Tag: 'Z',
		Const: bytecode.ConstValue{Kind: bytecode.ConstInt, Int: n},
	}
}

func injectAnnotation(method, atCode string, cancellable bool) *classfile.AnnotationNode {
	at := classfile.ElementValue{
		Name: "at",
		Kind: classfile.ElementArray,
		Array: []classfile.ElementValue{{
			Kind: classfile.ElementAnnotation,
			Nested: &classfile.AnnotationNode{
				Desc:   mixin.AnnAt,
				Values: []classfile.ElementValue{strValue("value", atCode)},
			},
		}},
	}
	return &classfile.AnnotationNode{
		Desc: mixin.AnnInject,
		Values: []classfile.ElementValue{
			strValue("method", method),
			at,
			boolValue("cancellable", cancellable),
		},
	}
}

// injectMixin builds a mixin class with one cancellable head injection
// into getValue()I.
func injectMixin(name string) *classfile.ClassNode {
	handler := &classfile.MethodNode{
		Access:               classfile.AccPrivate,
		Name:                 "onGetValue",
		Desc:                 "(L" + injection.CallbackInfoRetClass + ";)V",
		MaxStack:             1,
		MaxLocals:            2,
		InvisibleAnnotations: []*classfile.AnnotationNode{injectAnnotation("getValue()I", "HEAD", true)},
	}
	body := bytecode.NewInsnList()
	body.PushBack(bytecode.NewInsn(bytecode.RETURN))
	handler.Instructions = body

	mc := mixinClass(name)
	mc.Methods = []*classfile.MethodNode{handler}
	return mc
}

func TestDriverEndToEndInject(t *testing.T) {
	target := newTargetClass()
	info := parseInfo(t, injectMixin("demo/mixins/WidgetMixin"))
	info.Order = 0

	d := NewDriver(target, []*mixin.MixinInfo{info}, true, nil)
	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != Finalized {
		t.Fatalf("state = %v, want finalized", d.State())
	}

	// Handler merged and re-parented into the target.
	handler := target.FindMethod("onGetValue", "(L"+injection.CallbackInfoRetClass+";)V")
	if handler == nil {
		t.Fatal("handler not merged")
	}

	// getValue now constructs the carrier and calls the handler before the
	// original body.
	woven := target.FindMethod("getValue", "()I")
	var sawNew, sawCall, sawCancelCheck bool
	for in := woven.Instructions.First(); in != nil; in = in.Next() {
		switch {
		case in.Op == bytecode.NEW && in.Type == injection.CallbackInfoRetClass:
			sawNew = true
		case in.Op == bytecode.INVOKESPEC && in.Name == "onGetValue" && in.Owner == "demo/Widget":
			sawCall = true
		case in.Op == bytecode.INVOKEVIRT && in.Name == "isCancelled":
			sawCancelCheck = true
		}
	}
	if !sawNew || !sawCall || !sawCancelCheck {
		t.Fatalf("woven body incomplete: new=%v call=%v cancel=%v", sawNew, sawCall, sawCancelCheck)
	}
	last := woven.Instructions.Last()
	if last.Op != bytecode.IRETURN {
		t.Fatalf("original return lost: %v", last)
	}
}

func TestDriverRunsOnce(t *testing.T) {
	target := newTargetClass()
	d := NewDriver(target, nil, false, nil)
	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := d.Run(); err == nil {
		t.Fatal("second Run accepted")
	}
}

// Two equal-priority mixins both replacing getValue: the later-registered
// one must win, deterministically.
func TestDriverPriorityDeterminism(t *testing.T) {
	replaceMixin := func(name string, constant int) *mixin.MixinInfo {
		mc := mixinClass(name)
		m := &classfile.MethodNode{
			Access:    classfile.AccPublic,
			Name:      "getValue",
			Desc:      "()I",
			MaxStack:  1,
			MaxLocals: 1,
		}
		list := bytecode.NewInsnList()
		list.PushBack(bytecode.NewInsn(bytecode.ICONST_0 + constant))
		list.PushBack(bytecode.NewInsn(bytecode.IRETURN))
		m.Instructions = list
		mc.Methods = []*classfile.MethodNode{m}
		info := parseInfo(t, mc)
		return info
	}

	for run := 0; run < 3; run++ {
		target := newTargetClass()
		m1 := replaceMixin("demo/mixins/First", 3)
		m2 := replaceMixin("demo/mixins/Second", 4)
		m1.Order, m2.Order = 0, 1

		// Registration order reversed in the input slice; sorting must
		// restore it.
		d := NewDriver(target, []*mixin.MixinInfo{m2, m1}, false, nil)
		if err := d.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		got := target.FindMethod("getValue", "()I").Instructions.First().Op
		if got != bytecode.ICONST_4 {
			t.Fatalf("run %d: second-registered mixin did not apply last (op %d)", run, got)
		}
	}
}

func TestDriverPriorityBeatsOrder(t *testing.T) {
	target := newTargetClass()
	info1 := parseInfo(t, injectMixin("demo/mixins/Low"))
	info1.Priority = 500
	info1.Order = 1

	mc := mixinClass("demo/mixins/High")
	info2 := parseInfo(t, mc)
	info2.Priority = 2000
	info2.Order = 0

	d := NewDriver(target, []*mixin.MixinInfo{info2, info1}, false, nil)
	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.mixins[0] != info1 || d.mixins[1] != info2 {
		t.Fatal("mixins not sorted ascending by priority")
	}
}

func TestDriverRequiredEscalates(t *testing.T) {
	target := newTargetClass()
	info := parseInfo(t, injectMixin("demo/mixins/WidgetMixin"))

	// Point the injection at a method the target does not have.
	info.Injections[0].Methods[0].Name = "missing"

	d := NewDriver(target, []*mixin.MixinInfo{info}, true, nil)
	if err := d.Run(); err == nil {
		t.Fatal("missing required target accepted")
	}

	// Without the required flag the same situation is a warning.
	target = newTargetClass()
	info = parseInfo(t, injectMixin("demo/mixins/WidgetMixin"))
	info.Injections[0].Methods[0].Name = "missing"
	d = NewDriver(target, []*mixin.MixinInfo{info}, false, nil)
	if err := d.Run(); err != nil {
		t.Fatalf("non-required run failed: %v", err)
	}
}

type failingExtension struct{}

func (failingExtension) Name() string { return "failing" }
func (failingExtension) PostApply(*classfile.ClassNode, []*mixin.MixinInfo) error {
	return errTest
}

var errTest = &mixin.Error{Kind: mixin.ErrStructural, Mixin: "x", Err: errDummy}

type dummyErr struct{}

func (dummyErr) Error() string { return "dummy" }

var errDummy = dummyErr{}

func TestDriverExtensionFailureAborts(t *testing.T) {
	target := newTargetClass()
	d := NewDriver(target, nil, false, []Extension{failingExtension{}})
	if err := d.Run(); err == nil {
		t.Fatal("extension failure swallowed")
	}
}
