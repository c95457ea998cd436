package injection

import (
	"strings"
	"testing"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
)

func collect(list *bytecode.InsnList) []*bytecode.Insn {
	var out []*bytecode.Insn
	for in := list.First(); in != nil; in = in.Next() {
		out = append(out, in)
	}
	return out
}

func findInsn(list *bytecode.InsnList, match func(*bytecode.Insn) bool) *bytecode.Insn {
	for in := list.First(); in != nil; in = in.Next() {
		if match(in) {
			return in
		}
	}
	return nil
}

// getValue() { return 1; } with a cancellable head callback: the woven
// body must construct the returnable carrier, call the handler, and return
// the captured value when cancelled.
func TestCallbackInjectionCancellable(t *testing.T) {
	body := buildMethod(0, "getValue", "()I",
		bytecode.NewInsn(bytecode.ICONST_1),
		bytecode.NewInsn(bytecode.IRETURN),
	)
	target, err := NewTarget("demo/Widget", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}

	handler := &classfile.MethodNode{
		Access: classfile.AccPrivate,
		Name:   "onGetValue",
		Desc:   "(L" + CallbackInfoRetClass + ";)V",
	}
	inj := &Injector{
		Strategy:     StrategyCallback,
		HandlerOwner: "demo/Widget",
		Handler:      handler,
		Cancellable:  true,
	}

	set := NewNodeSet()
	set.Add(body.Instructions.First(), "HEAD")
	if err := inj.Inject(target, set.Nodes()); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	insns := collect(body.Instructions)
	if insns[0].Op != bytecode.NEW || insns[0].Type != CallbackInfoRetClass {
		t.Fatalf("woven body starts with %v, want new %s", insns[0], CallbackInfoRetClass)
	}
	call := findInsn(body.Instructions, func(in *bytecode.Insn) bool {
		return in.Op == bytecode.INVOKESPEC && in.Name == "onGetValue"
	})
	if call == nil {
		t.Fatal("handler call missing (private handlers use invokespecial)")
	}
	check := findInsn(body.Instructions, func(in *bytecode.Insn) bool {
		return in.Op == bytecode.INVOKEVIRT && in.Name == "isCancelled"
	})
	if check == nil {
		t.Fatal("cancellation check missing")
	}
	getter := findInsn(body.Instructions, func(in *bytecode.Insn) bool {
		return in.Op == bytecode.INVOKEVIRT && in.Name == "getReturnValueI"
	})
	if getter == nil {
		t.Fatal("typed return value getter missing")
	}
	jump := findInsn(body.Instructions, func(in *bytecode.Insn) bool { return in.Op == bytecode.IFEQ })
	if jump == nil || jump.Target == nil || !jump.Target.IsLabel() {
		t.Fatal("cancellation branch must jump to a resume label")
	}

	// Original body survives after the resume label.
	if insns[len(insns)-1].Op != bytecode.IRETURN || insns[len(insns)-2].Op != bytecode.ICONST_1 {
		t.Fatal("original body lost")
	}
	if body.MaxLocals < 2 {
		t.Fatalf("MaxLocals = %d, want a slot for the callback carrier", body.MaxLocals)
	}
	if body.MaxStack < 4 {
		t.Fatalf("MaxStack = %d, want at least 4", body.MaxStack)
	}
}

func TestCallbackStaticMismatch(t *testing.T) {
	body := buildMethod(classfile.AccStatic, "tick", "()V",
		bytecode.NewInsn(bytecode.RETURN),
	)
	target, err := NewTarget("demo/Widget", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	handler := &classfile.MethodNode{
		Name: "onTick",
		Desc: "(L" + CallbackInfoClass + ";)V",
	}
	inj := &Injector{Strategy: StrategyCallback, HandlerOwner: "demo/Widget", Handler: handler}

	set := NewNodeSet()
	set.Add(body.Instructions.First(), "HEAD")
	err = inj.Inject(target, set.Nodes())
	if err == nil {
		t.Fatal("instance handler accepted for static target")
	}
	if !strings.Contains(err.Error(), "demo/Widget") || !strings.Contains(err.Error(), "onTick") {
		t.Fatalf("error lacks context: %v", err)
	}
}

func TestCallbackDescriptorMismatch(t *testing.T) {
	body := buildMethod(classfile.AccStatic, "scale", "(I)I",
		bytecode.NewVarInsn(bytecode.ILOAD, 0),
		bytecode.NewInsn(bytecode.IRETURN),
	)
	target, err := NewTarget("demo/Widget", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	handler := &classfile.MethodNode{
		Access: classfile.AccStatic,
		Name:   "onScale",
		Desc:   "(JL" + CallbackInfoRetClass + ";)V", // long where target passes int
	}
	inj := &Injector{Strategy: StrategyCallback, HandlerOwner: "demo/Widget", Handler: handler}
	set := NewNodeSet()
	set.Add(body.Instructions.First(), "HEAD")
	if err := inj.Inject(target, set.Nodes()); err == nil {
		t.Fatal("handler with incompatible argument accepted")
	}
}

// Narrow integer family types may widen to int in handler signatures.
func TestCallbackNarrowCoercion(t *testing.T) {
	body := buildMethod(classfile.AccStatic, "accept", "(B)V",
		bytecode.NewInsn(bytecode.RETURN),
	)
	target, err := NewTarget("demo/Widget", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	handler := &classfile.MethodNode{
		Access: classfile.AccStatic,
		Name:   "onAccept",
		Desc:   "(IL" + CallbackInfoClass + ";)V",
	}
	inj := &Injector{Strategy: StrategyCallback, HandlerOwner: "demo/Widget", Handler: handler}
	set := NewNodeSet()
	set.Add(body.Instructions.First(), "HEAD")
	if err := inj.Inject(target, set.Nodes()); err != nil {
		t.Fatalf("byte-to-int coercion rejected: %v", err)
	}
}

func TestRedirectStaticHandlerReplacesCall(t *testing.T) {
	call := bytecode.NewMethodInsn(bytecode.INVOKEVIRT, "demo/Widget", "size", "()I", false)
	body := buildMethod(classfile.AccStatic, "run", "(Ldemo/Widget;)I",
		bytecode.NewVarInsn(bytecode.ALOAD, 0),
		call,
		bytecode.NewInsn(bytecode.IRETURN),
	)
	target, err := NewTarget("demo/App", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	handler := &classfile.MethodNode{
		Access: classfile.AccStatic,
		Name:   "fakeSize",
		Desc:   "(Ldemo/Widget;)I",
	}
	inj := &Injector{Strategy: StrategyRedirect, HandlerOwner: "demo/App", Handler: handler}
	set := NewNodeSet()
	node := set.Add(call, "INVOKE")
	if err := inj.Inject(target, set.Nodes()); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if body.Instructions.Contains(call) {
		t.Fatal("redirected call still present")
	}
	got := node.Insn()
	if got.Op != bytecode.INVOKESTAT || got.Name != "fakeSize" || got.Owner != "demo/App" {
		t.Fatalf("replacement is %v, want invokestatic demo/App.fakeSize", got)
	}
}

func TestRedirectFieldReadShape(t *testing.T) {
	get := bytecode.NewFieldInsn(bytecode.GETFIELD, "demo/Widget", "count", "I")
	body := buildMethod(classfile.AccStatic, "run", "(Ldemo/Widget;)I",
		bytecode.NewVarInsn(bytecode.ALOAD, 0),
		get,
		bytecode.NewInsn(bytecode.IRETURN),
	)
	target, err := NewTarget("demo/App", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}

	// Wrong shape: field read of an int redirected to a long-returning
	// handler must fail with context.
	bad := &classfile.MethodNode{Access: classfile.AccStatic, Name: "readCount", Desc: "(Ldemo/Widget;)J"}
	inj := &Injector{Strategy: StrategyRedirect, HandlerOwner: "demo/App", Handler: bad}
	set := NewNodeSet()
	set.Add(get, "FIELD")
	if err := inj.Inject(target, set.Nodes()); err == nil {
		t.Fatal("shape mismatch accepted")
	}

	good := &classfile.MethodNode{Access: classfile.AccStatic, Name: "readCount", Desc: "(Ldemo/Widget;)I"}
	inj = &Injector{Strategy: StrategyRedirect, HandlerOwner: "demo/App", Handler: good}
	set = NewNodeSet()
	node := set.Add(get, "FIELD")
	if err := inj.Inject(target, set.Nodes()); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if node.Insn().Op != bytecode.INVOKESTAT {
		t.Fatalf("field read not replaced: %v", node.Insn())
	}
}

func TestModifyArgReroutesOneArgument(t *testing.T) {
	call := bytecode.NewMethodInsn(bytecode.INVOKESTAT, "demo/Util", "combine", "(IDI)V", false)
	body := buildMethod(classfile.AccStatic, "run", "()V",
		bytecode.NewInsn(bytecode.ICONST_1),
		bytecode.NewInsn(bytecode.DCONST_0),
		bytecode.NewInsn(bytecode.ICONST_2),
		call,
		bytecode.NewInsn(bytecode.RETURN),
	)
	target, err := NewTarget("demo/App", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	handler := &classfile.MethodNode{Access: classfile.AccStatic, Name: "scaleMiddle", Desc: "(D)D"}
	inj := &Injector{Strategy: StrategyModifyArg, HandlerOwner: "demo/App", Handler: handler, ArgIndex: 1}
	set := NewNodeSet()
	set.Add(call, "INVOKE")
	if err := inj.Inject(target, set.Nodes()); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	// The trailing int is spilled, the handler runs on the double, and the
	// int is restored before the untouched call.
	hcall := findInsn(body.Instructions, func(in *bytecode.Insn) bool { return in.Name == "scaleMiddle" })
	if hcall == nil {
		t.Fatal("handler call missing")
	}
	store := findInsn(body.Instructions, func(in *bytecode.Insn) bool { return in.Op == bytecode.ISTORE })
	if store == nil {
		t.Fatal("argument above the modified one not spilled")
	}
	if !body.Instructions.Contains(call) {
		t.Fatal("original call must survive modify-arg")
	}
	reload := hcall.Next()
	if reload == nil || reload.Op != bytecode.ILOAD || reload.Var != store.Var {
		t.Fatalf("spilled argument not restored after handler: %v", reload)
	}

	// Index out of range is a hard error.
	inj = &Injector{Strategy: StrategyModifyArg, HandlerOwner: "demo/App", Handler: handler, ArgIndex: 5}
	set = NewNodeSet()
	set.Add(call, "INVOKE")
	if err := inj.Inject(target, set.Nodes()); err == nil {
		t.Fatal("out-of-range argument index accepted")
	}
}

func TestModifyArgsMarshalsCarrier(t *testing.T) {
	call := bytecode.NewMethodInsn(bytecode.INVOKESTAT, "demo/Util", "blend", "(IJ)V", false)
	body := buildMethod(classfile.AccStatic, "run", "()V",
		bytecode.NewInsn(bytecode.ICONST_1),
		bytecode.NewInsn(bytecode.LCONST_0),
		call,
		bytecode.NewInsn(bytecode.RETURN),
	)
	target, err := NewTarget("demo/App", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	handler := &classfile.MethodNode{
		Access: classfile.AccStatic,
		Name:   "onBlend",
		Desc:   "(L" + ArgsClass + ";)V",
	}
	inj := &Injector{Strategy: StrategyModifyArgs, HandlerOwner: "demo/App", Handler: handler}
	set := NewNodeSet()
	set.Add(call, "INVOKE")
	if err := inj.Inject(target, set.Nodes()); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	arr := findInsn(body.Instructions, func(in *bytecode.Insn) bool { return in.Op == bytecode.ANEWARRAY })
	if arr == nil || arr.Type != "java/lang/Object" {
		t.Fatal("argument array missing")
	}
	of := findInsn(body.Instructions, func(in *bytecode.Insn) bool {
		return in.Op == bytecode.INVOKESTAT && in.Owner == ArgsClass && in.Name == "of"
	})
	if of == nil {
		t.Fatal("carrier construction missing")
	}
	unboxI := findInsn(body.Instructions, func(in *bytecode.Insn) bool { return in.Name == "intValue" })
	unboxJ := findInsn(body.Instructions, func(in *bytecode.Insn) bool { return in.Name == "longValue" })
	if unboxI == nil || unboxJ == nil {
		t.Fatal("unboxing of modified values missing")
	}
	if !body.Instructions.Contains(call) {
		t.Fatal("original call must survive modify-args")
	}
	if body.MaxStack < 6 {
		t.Fatalf("MaxStack = %d, want at least 6 for the marshal sequence", body.MaxStack)
	}
}

func TestRemovedNodeSkipped(t *testing.T) {
	call := bytecode.NewMethodInsn(bytecode.INVOKESTAT, "demo/Util", "a", "()V", false)
	body := buildMethod(classfile.AccStatic, "run", "()V", call, bytecode.NewInsn(bytecode.RETURN))
	target, err := NewTarget("demo/App", body)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	set := NewNodeSet()
	node := set.Add(call, "INVOKE")
	target.Remove(node)

	handler := &classfile.MethodNode{Access: classfile.AccStatic, Name: "fake", Desc: "()V"}
	inj := &Injector{Strategy: StrategyRedirect, HandlerOwner: "demo/App", Handler: handler}
	if err := inj.Inject(target, set.Nodes()); err != nil {
		t.Fatalf("removed node must be skipped, not fail: %v", err)
	}
	if body.Instructions.Size() != 1 {
		t.Fatalf("body has %d instructions, want only the return", body.Instructions.Size())
	}
}
