package injection

import (
	"fmt"
	"strings"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/descriptor"
)

// Runtime support classes the woven code links against. They live in the
// runtime companion jar, not in this module.
const (
	CallbackInfoClass       = "weft/callback/CallbackInfo"
	CallbackInfoRetClass    = "weft/callback/CallbackInfoReturnable"
	ArgsClass               = "weft/callback/Args"
	CallbackInfoCtorDesc    = "(Ljava/lang/String;Z)V"
	CallbackInfoRetCtorDesc = "(Ljava/lang/String;Z)V"
)

// CallbackInfoType returns the callback carrier class for a target return
// descriptor: plain CallbackInfo for void targets, the returnable variant
// otherwise.
func CallbackInfoType(returnDesc string) string {
	if returnDesc == "V" {
		return CallbackInfoClass
	}
	return CallbackInfoRetClass
}

// CallbackDesc builds the handler descriptor a callback handler must
// declare for a target method: the target's arguments followed by the
// callback carrier, returning void.
func CallbackDesc(args []string, returnDesc string) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, a := range args {
		sb.WriteString(a)
	}
	sb.WriteByte('L')
	sb.WriteString(CallbackInfoType(returnDesc))
	sb.WriteByte(';')
	sb.WriteString(")V")
	return sb.String()
}

// returnValueGetter names the typed accessor on CallbackInfoReturnable
// that yields the captured return value without boxing, plus its
// descriptor. Reference types go through the erased Object accessor and a
// checkcast.
func returnValueGetter(returnDesc string) (name, desc string, needsCast bool) {
	switch returnDesc[0] {
	case 'I':
		return "getReturnValueI", "()I", false
	case 'Z':
		return "getReturnValueZ", "()Z", false
	case 'B':
		return "getReturnValueB", "()B", false
	case 'C':
		return "getReturnValueC", "()C", false
	case 'S':
		return "getReturnValueS", "()S", false
	case 'J':
		return "getReturnValueJ", "()J", false
	case 'F':
		return "getReturnValueF", "()F", false
	case 'D':
		return "getReturnValueD", "()D", false
	default:
		return "getReturnValue", "()Ljava/lang/Object;", true
	}
}

// box holds the wrapper-class coordinates for one primitive descriptor.
type box struct {
	wrapper     string // internal name of the wrapper class
	valueOfDesc string // descriptor of the static valueOf factory
	unboxName   string // xxxValue accessor
	unboxDesc   string
}

var boxes = map[byte]box{
	'I': {"java/lang/Integer", "(I)Ljava/lang/Integer;", "intValue", "()I"},
	'Z': {"java/lang/Boolean", "(Z)Ljava/lang/Boolean;", "booleanValue", "()Z"},
	'B': {"java/lang/Byte", "(B)Ljava/lang/Byte;", "byteValue", "()B"},
	'C': {"java/lang/Character", "(C)Ljava/lang/Character;", "charValue", "()C"},
	'S': {"java/lang/Short", "(S)Ljava/lang/Short;", "shortValue", "()S"},
	'J': {"java/lang/Long", "(J)Ljava/lang/Long;", "longValue", "()J"},
	'F': {"java/lang/Float", "(F)Ljava/lang/Float;", "floatValue", "()F"},
	'D': {"java/lang/Double", "(D)Ljava/lang/Double;", "doubleValue", "()D"},
}

// boxInsns returns the instructions that box the value of type desc
// currently on top of the stack into an Object reference. Reference types
// need nothing.
func boxInsns(desc string) []*bytecode.Insn {
	b, prim := boxes[desc[0]]
	if !prim {
		return nil
	}
	return []*bytecode.Insn{
		bytecode.NewMethodInsn(bytecode.INVOKESTAT, b.wrapper, "valueOf", b.valueOfDesc, false),
	}
}

// unboxInsns returns the instructions that turn the Object on top of the
// stack back into a value of type desc: checkcast plus the xxxValue call
// for primitives, plain checkcast for reference types.
func unboxInsns(desc string) []*bytecode.Insn {
	if b, prim := boxes[desc[0]]; prim {
		return []*bytecode.Insn{
			bytecode.NewTypeInsn(bytecode.CHECKCAST, b.wrapper),
			bytecode.NewMethodInsn(bytecode.INVOKEVIRT, b.wrapper, b.unboxName, b.unboxDesc, false),
		}
	}
	return []*bytecode.Insn{
		bytecode.NewTypeInsn(bytecode.CHECKCAST, castType(desc)),
	}
}

// castType converts a reference descriptor to the internal name checkcast
// expects: class descriptors lose L;, array descriptors stay verbatim.
func castType(desc string) string {
	if strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";") {
		return desc[1 : len(desc)-1]
	}
	return desc
}

// pushIntInsn builds the smallest instruction pushing v as an int.
func pushIntInsn(v int) *bytecode.Insn {
	switch {
	case v >= -1 && v <= 5:
		return bytecode.NewInsn(bytecode.ICONST_0 + v)
	case v >= -128 && v <= 127:
		return bytecode.NewIntInsn(bytecode.BIPUSH, v)
	case v >= -32768 && v <= 32767:
		return bytecode.NewIntInsn(bytecode.SIPUSH, v)
	default:
		return bytecode.NewLdcInsn(bytecode.ConstValue{Kind: bytecode.ConstInt, Int: int64(v)})
	}
}

// ldcString builds an ldc pushing a string constant.
func ldcString(s string) *bytecode.Insn {
	return bytecode.NewLdcInsn(bytecode.ConstValue{Kind: bytecode.ConstString, Str: s})
}

// callArgTypes splits a call instruction's descriptor and prepends the
// receiver type for instance invocations, yielding the full operand stack
// layout of the call.
func callArgTypes(call *bytecode.Insn) ([]string, string, error) {
	args, ret, err := descriptor.SplitMethod(call.Desc)
	if err != nil {
		return nil, "", fmt.Errorf("injection: call %s.%s: %w", call.Owner, call.Name, err)
	}
	if call.Op != bytecode.INVOKESTAT && call.Op != bytecode.INVOKEDYN {
		recv := descriptor.ToDescriptor(call.Owner)
		args = append([]string{recv}, args...)
	}
	return args, ret, nil
}
