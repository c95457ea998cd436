package injection

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/descriptor"
)

var log = commonlog.GetLogger("weft.injection")

// Strategy selects the rewrite an injector performs. The set is closed:
// every strategy the engine supports is listed here and dispatched
// explicitly.
type Strategy uint8

const (
	// StrategyCallback inserts a handler call before each nominated
	// instruction, with an optional cancellation convention.
	StrategyCallback Strategy = iota
	// StrategyRedirect replaces a nominated call or field access with a
	// handler call of matching shape.
	StrategyRedirect
	// StrategyModifyArg routes one argument of a nominated call through
	// the handler before the call executes.
	StrategyModifyArg
	// StrategyModifyArgs marshals all arguments of a nominated call into
	// a carrier object, passes it to the handler, and unpacks the possibly
	// modified values back onto the stack.
	StrategyModifyArgs
)

// String names the strategy for diagnostics.
func (s Strategy) String() string {
	switch s {
	case StrategyCallback:
		return "callback"
	case StrategyRedirect:
		return "redirect"
	case StrategyModifyArg:
		return "modify-arg"
	case StrategyModifyArgs:
		return "modify-args"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Injector performs one handler's rewrites against a target. The handler
// method has already been merged into the target class, so HandlerOwner is
// the target class name.
type Injector struct {
	Strategy     Strategy
	HandlerOwner string
	Handler      *classfile.MethodNode

	Cancellable bool // StrategyCallback
	ArgIndex    int  // StrategyModifyArg
}

// Inject rewrites the target at every nominated node. Nodes removed by an
// earlier injector are skipped with a warning; any structural
// incompatibility is a hard error that fails the whole pass.
func (inj *Injector) Inject(t *Target, nodes []*InjectionNode) error {
	if err := inj.checkStatic(t); err != nil {
		return err
	}
	for _, node := range nodes {
		if node.IsRemoved() {
			log.Warningf("%s: skipping %s into %s: instruction removed by an earlier injector (nominated by %s)",
				inj.Strategy, inj.Handler.Name, t, strings.Join(node.Nominators(), ", "))
			continue
		}
		var err error
		switch inj.Strategy {
		case StrategyCallback:
			err = inj.injectCallback(t, node)
		case StrategyRedirect:
			err = inj.injectRedirect(t, node)
		case StrategyModifyArg:
			err = inj.injectModifyArg(t, node)
		case StrategyModifyArgs:
			err = inj.injectModifyArgs(t, node)
		default:
			err = fmt.Errorf("injection: unsupported strategy %s", inj.Strategy)
		}
		if err != nil {
			return err
		}
		inj.postInject(t, node)
	}
	return nil
}

// checkStatic enforces handler/target static compatibility: a static
// target can only be served by a static handler, and a callback handler
// must match the target's staticness exactly.
func (inj *Injector) checkStatic(t *Target) error {
	if t.IsStatic() && !inj.Handler.IsStatic() {
		return inj.errorf(t, "instance handler cannot serve static target")
	}
	if inj.Strategy == StrategyCallback && !t.IsStatic() && inj.Handler.IsStatic() {
		return inj.errorf(t, "static handler cannot serve instance target")
	}
	return nil
}

func (inj *Injector) errorf(t *Target, format string, args ...any) error {
	return fmt.Errorf("injection: %s handler %s.%s%s targeting %s: %s",
		inj.Strategy, inj.HandlerOwner, inj.Handler.Name, inj.Handler.Desc, t,
		fmt.Sprintf(format, args...))
}

// handlerInvoke builds the call instruction for the handler: static,
// invokespecial for private instance handlers, virtual otherwise.
func (inj *Injector) handlerInvoke() *bytecode.Insn {
	op := bytecode.INVOKEVIRT
	switch {
	case inj.Handler.IsStatic():
		op = bytecode.INVOKESTAT
	case inj.Handler.Access&classfile.AccPrivate != 0:
		op = bytecode.INVOKESPEC
	}
	return bytecode.NewMethodInsn(op, inj.HandlerOwner, inj.Handler.Name, inj.Handler.Desc, false)
}

func (inj *Injector) postInject(t *Target, node *InjectionNode) {
	log.Debugf("%s: injected %s into %s at %s", inj.Strategy, inj.Handler.Name, t, node.Insn())
}

// injectCallback inserts the handler call ahead of the nominated
// instruction. The handler takes the target's arguments plus the callback
// carrier and returns void; cancellable handlers get a carrier stored in a
// fresh local, followed by the cancellation check and early return.
func (inj *Injector) injectCallback(t *Target, node *InjectionNode) error {
	ret := t.ReturnType()
	if err := inj.checkCallbackDesc(t, ret); err != nil {
		return err
	}

	ciType := CallbackInfoType(ret)
	mark := node.Insn()
	thisSlots := 0
	if !inj.Handler.IsStatic() {
		thisSlots = 1
	}
	argSlots, err := descriptor.ArgSlots(t.Method.Desc)
	if err != nil {
		return inj.errorf(t, "bad target descriptor: %v", err)
	}

	newCI := []*bytecode.Insn{
		bytecode.NewTypeInsn(bytecode.NEW, ciType),
		bytecode.NewInsn(bytecode.DUP),
		ldcString(t.Method.Name),
		pushIntInsn(boolInt(inj.Cancellable)),
		bytecode.NewMethodInsn(bytecode.INVOKESPEC, ciType, "<init>", CallbackInfoCtorDesc, false),
	}

	if !inj.Cancellable {
		var seq []*bytecode.Insn
		if thisSlots == 1 {
			seq = append(seq, bytecode.NewVarInsn(bytecode.ALOAD, 0))
		}
		seq = append(seq, t.LoadArgs(0, len(t.Args()))...)
		seq = append(seq, newCI...)
		seq = append(seq, inj.handlerInvoke())
		t.InsertBefore(mark, seq...)
		t.ExtendStack(thisSlots + argSlots + 4)
		return nil
	}

	ciSlot := t.AllocLocal(1)
	resume := bytecode.NewLabel()

	seq := append([]*bytecode.Insn{}, newCI...)
	seq = append(seq, bytecode.NewVarInsn(bytecode.ASTORE, ciSlot))
	if thisSlots == 1 {
		seq = append(seq, bytecode.NewVarInsn(bytecode.ALOAD, 0))
	}
	seq = append(seq, t.LoadArgs(0, len(t.Args()))...)
	seq = append(seq,
		bytecode.NewVarInsn(bytecode.ALOAD, ciSlot),
		inj.handlerInvoke(),
		bytecode.NewVarInsn(bytecode.ALOAD, ciSlot),
		bytecode.NewMethodInsn(bytecode.INVOKEVIRT, ciType, "isCancelled", "()Z", false),
		bytecode.NewJumpInsn(bytecode.IFEQ, resume),
	)
	if ret == "V" {
		seq = append(seq, bytecode.NewInsn(bytecode.RETURN))
	} else {
		getter, getterDesc, cast := returnValueGetter(ret)
		seq = append(seq,
			bytecode.NewVarInsn(bytecode.ALOAD, ciSlot),
			bytecode.NewMethodInsn(bytecode.INVOKEVIRT, ciType, getter, getterDesc, false),
		)
		if cast {
			seq = append(seq, bytecode.NewTypeInsn(bytecode.CHECKCAST, castType(ret)))
		}
		seq = append(seq, bytecode.NewInsn(ReturnOpcode(ret)))
	}
	seq = append(seq, resume)
	t.InsertBefore(mark, seq...)
	t.ExtendStack(maxInt(4, thisSlots+argSlots+1, 1+descriptor.SlotSize(ret)))
	return nil
}

// checkCallbackDesc validates the handler descriptor against the callback
// convention: target arguments (narrow integer types may widen to int),
// then the carrier, returning void.
func (inj *Injector) checkCallbackDesc(t *Target, ret string) error {
	hargs, hret, err := descriptor.SplitMethod(inj.Handler.Desc)
	if err != nil {
		return inj.errorf(t, "bad handler descriptor: %v", err)
	}
	want := CallbackDesc(t.Args(), ret)
	if hret != "V" {
		return inj.errorf(t, "callback handlers must return void")
	}
	targs := t.Args()
	if len(hargs) != len(targs)+1 {
		return inj.errorf(t, "handler takes %d argument(s), want %s", len(hargs), want)
	}
	for i, a := range targs {
		if hargs[i] != a && !descriptor.CanCoerce(a, hargs[i]) {
			return inj.errorf(t, "handler argument %d is %s, target passes %s", i, hargs[i], a)
		}
	}
	if carrier := "L" + CallbackInfoType(ret) + ";"; hargs[len(hargs)-1] != carrier {
		return inj.errorf(t, "handler's last argument must be %s", carrier)
	}
	return nil
}

// injectRedirect replaces the nominated call or field access with a
// handler call consuming the same operands and producing the same value.
func (inj *Injector) injectRedirect(t *Target, node *InjectionNode) error {
	in := node.Insn()
	var operands []string
	var ret string
	switch {
	case bytecode.IsInvoke(in.Op):
		var err error
		operands, ret, err = callArgTypes(in)
		if err != nil {
			return inj.errorf(t, "%v", err)
		}
	case bytecode.IsFieldAccess(in.Op):
		owner := "L" + in.Owner + ";"
		switch in.Op {
		case bytecode.GETFIELD:
			operands, ret = []string{owner}, in.Desc
		case bytecode.PUTFIELD:
			operands, ret = []string{owner, in.Desc}, "V"
		case bytecode.GETSTATIC:
			operands, ret = nil, in.Desc
		case bytecode.PUTSTATIC:
			operands, ret = []string{in.Desc}, "V"
		}
	default:
		return inj.errorf(t, "cannot redirect %s", in)
	}

	if err := inj.checkShape(t, operands, ret); err != nil {
		return err
	}

	if inj.Handler.IsStatic() {
		t.Replace(node, inj.handlerInvoke())
		return nil
	}

	// Instance handler: the receiver must sit below the operands, so the
	// operands are spilled to locals, this is loaded, and the operands are
	// reloaded before the handler call.
	var stores, loads []*bytecode.Insn
	for i := len(operands) - 1; i >= 0; i-- {
		slot := t.AllocLocal(descriptor.SlotSize(operands[i]))
		stores = append(stores, StoreInsn(operands[i], slot))
		loads = append([]*bytecode.Insn{LoadInsn(operands[i], slot)}, loads...)
	}
	seq := append(stores, bytecode.NewVarInsn(bytecode.ALOAD, 0))
	seq = append(seq, loads...)
	t.InsertBefore(node.Insn(), seq...)
	t.Replace(node, inj.handlerInvoke())
	t.ExtendStack(1)
	return nil
}

// checkShape validates the handler descriptor against the operand stack
// layout a redirect must preserve.
func (inj *Injector) checkShape(t *Target, operands []string, ret string) error {
	hargs, hret, err := descriptor.SplitMethod(inj.Handler.Desc)
	if err != nil {
		return inj.errorf(t, "bad handler descriptor: %v", err)
	}
	if len(hargs) != len(operands) {
		return inj.errorf(t, "handler takes %d argument(s), redirected access supplies %d", len(hargs), len(operands))
	}
	for i, op := range operands {
		if hargs[i] != op && !descriptor.CanCoerce(op, hargs[i]) {
			return inj.errorf(t, "handler argument %d is %s, redirected access supplies %s", i, hargs[i], op)
		}
	}
	if hret != ret {
		return inj.errorf(t, "handler returns %s, redirected access produces %s", hret, ret)
	}
	return nil
}

// injectModifyArg routes argument ArgIndex of the nominated call through
// the handler. Arguments stacked above it are spilled to locals and
// restored after the handler returns the replacement value.
func (inj *Injector) injectModifyArg(t *Target, node *InjectionNode) error {
	call := node.Insn()
	if !bytecode.IsInvoke(call.Op) {
		return inj.errorf(t, "modify-arg target %s is not a method call", call)
	}
	args, _, err := descriptor.SplitMethod(call.Desc)
	if err != nil {
		return inj.errorf(t, "bad call descriptor: %v", err)
	}
	i := inj.ArgIndex
	if i < 0 || i >= len(args) {
		return inj.errorf(t, "argument index %d out of range for %s", i, call.Desc)
	}
	argType := args[i]
	if want := "(" + argType + ")" + argType; inj.Handler.Desc != want {
		return inj.errorf(t, "handler descriptor is %s, want %s", inj.Handler.Desc, want)
	}

	var seq []*bytecode.Insn
	var reload []*bytecode.Insn
	for k := len(args) - 1; k > i; k-- {
		slot := t.AllocLocal(descriptor.SlotSize(args[k]))
		seq = append(seq, StoreInsn(args[k], slot))
		reload = append([]*bytecode.Insn{LoadInsn(args[k], slot)}, reload...)
	}
	if inj.Handler.IsStatic() {
		seq = append(seq, inj.handlerInvoke())
	} else {
		slot := t.AllocLocal(descriptor.SlotSize(argType))
		seq = append(seq,
			StoreInsn(argType, slot),
			bytecode.NewVarInsn(bytecode.ALOAD, 0),
			LoadInsn(argType, slot),
			inj.handlerInvoke(),
		)
	}
	seq = append(seq, reload...)
	t.InsertBefore(call, seq...)
	t.ExtendStack(2)
	return nil
}

// injectModifyArgs marshals every argument of the nominated call into an
// Args carrier, hands it to the handler, and unpacks the values back onto
// the stack in order before the call executes.
func (inj *Injector) injectModifyArgs(t *Target, node *InjectionNode) error {
	call := node.Insn()
	if !bytecode.IsInvoke(call.Op) {
		return inj.errorf(t, "modify-args target %s is not a method call", call)
	}
	args, _, err := descriptor.SplitMethod(call.Desc)
	if err != nil {
		return inj.errorf(t, "bad call descriptor: %v", err)
	}
	if len(args) == 0 {
		return inj.errorf(t, "call %s.%s takes no arguments", call.Owner, call.Name)
	}
	carrier := "(L" + ArgsClass + ";)V"
	if inj.Handler.Desc != carrier {
		return inj.errorf(t, "handler descriptor is %s, want %s", inj.Handler.Desc, carrier)
	}

	slots := make([]int, len(args))
	var seq []*bytecode.Insn
	for k := len(args) - 1; k >= 0; k-- {
		slots[k] = t.AllocLocal(descriptor.SlotSize(args[k]))
		seq = append(seq, StoreInsn(args[k], slots[k]))
	}

	// Box the spilled values into an Object[] and wrap it in the carrier.
	seq = append(seq,
		pushIntInsn(len(args)),
		bytecode.NewTypeInsn(bytecode.ANEWARRAY, "java/lang/Object"),
	)
	for k, a := range args {
		seq = append(seq, bytecode.NewInsn(bytecode.DUP), pushIntInsn(k), LoadInsn(a, slots[k]))
		seq = append(seq, boxInsns(a)...)
		seq = append(seq, bytecode.NewInsn(bytecode.AASTORE))
	}
	argsSlot := t.AllocLocal(1)
	seq = append(seq,
		bytecode.NewMethodInsn(bytecode.INVOKESTAT, ArgsClass, "of", "([Ljava/lang/Object;)L"+ArgsClass+";", false),
		bytecode.NewVarInsn(bytecode.ASTORE, argsSlot),
	)

	if !inj.Handler.IsStatic() {
		seq = append(seq, bytecode.NewVarInsn(bytecode.ALOAD, 0))
	}
	seq = append(seq, bytecode.NewVarInsn(bytecode.ALOAD, argsSlot), inj.handlerInvoke())

	// Unpack the possibly modified values back in call order.
	argSlots := 0
	for k, a := range args {
		seq = append(seq,
			bytecode.NewVarInsn(bytecode.ALOAD, argsSlot),
			pushIntInsn(k),
			bytecode.NewMethodInsn(bytecode.INVOKEVIRT, ArgsClass, "get", "(I)Ljava/lang/Object;", false),
		)
		seq = append(seq, unboxInsns(a)...)
		argSlots += descriptor.SlotSize(a)
	}
	t.InsertBefore(call, seq...)
	t.ExtendStack(maxInt(6, argSlots+3))
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func maxInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
