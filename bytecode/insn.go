package bytecode

import "fmt"

// Pseudo opcodes. These never appear in encoded code; they carry list
// positions (branch targets) and debug line markers through rewrites.
const (
	OpLabel = -1
	OpLine  = -2
)

// Format classifies the operand shape of an instruction.
type Format uint8

const (
	FormatNone      Format = iota
	FormatVar              // local variable index (loads, stores, ret, iinc)
	FormatInt              // immediate integer (bipush, sipush, newarray)
	FormatType             // class reference (new, anewarray, checkcast, instanceof)
	FormatField            // field reference
	FormatMethod           // method reference
	FormatInvokeDyn        // call site
	FormatJump             // single branch target
	FormatLdc              // pool constant
	FormatIinc             // var + increment
	FormatTableSwitch
	FormatLookupSwitch
	FormatMultiANewArray
	FormatLabel
	FormatLine
)

// ConstKind tags a loadable pool constant.
type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstLong
	ConstDouble
	ConstString
	ConstClass
	ConstMethodType
	ConstMethodHandle
)

// Handle is a method handle constant (also used by bootstrap methods).
type Handle struct {
	Kind  uint8
	Owner string
	Name  string
	Desc  string
	Itf   bool
}

// ConstValue is a loadable constant as referenced by ldc/ldc2_w and
// bootstrap method arguments.
type ConstValue struct {
	Kind   ConstKind
	Int    int64   // ConstInt, ConstLong
	Float  float64 // ConstFloat, ConstDouble
	Str    string  // ConstString, ConstClass (internal name), ConstMethodType (descriptor)
	Handle *Handle // ConstMethodHandle
}

// Insn is a single instruction in an InsnList. The populated fields depend
// on the opcode's Format; unrelated fields are zero.
type Insn struct {
	Op int

	Var     int    // FormatVar, FormatIinc
	Operand int    // FormatInt; increment for FormatIinc; array type for newarray
	Owner   string // FormatField, FormatMethod
	Name    string // FormatField, FormatMethod, FormatInvokeDyn
	Desc    string // FormatField, FormatMethod, FormatInvokeDyn
	Itf     bool   // FormatMethod: interface method reference
	Type    string // FormatType, FormatMultiANewArray: internal class name
	Dims    int    // FormatMultiANewArray
	Const   ConstValue
	Line    int // FormatLine

	// Branch targets.
	Target  *Insn   // FormatJump; FormatLine attaches to the following label
	Default *Insn   // switches
	Targets []*Insn // switches
	Keys    []int32 // lookupswitch
	Low     int32   // tableswitch
	High    int32   // tableswitch

	// Bootstrap data for invokedynamic.
	Bootstrap     *Handle
	BootstrapArgs []ConstValue

	prev, next *Insn
	list       *InsnList
}

// Format returns the operand classification for the instruction's opcode.
func (in *Insn) Format() Format {
	return formatOf(in.Op)
}

func formatOf(op int) Format {
	switch {
	case op == OpLabel:
		return FormatLabel
	case op == OpLine:
		return FormatLine
	case op == BIPUSH || op == SIPUSH || op == NEWARRAY:
		return FormatInt
	case (op >= ILOAD && op <= ALOAD) || (op >= ISTORE && op <= ASTORE) || op == RET:
		return FormatVar
	case op == IINC:
		return FormatIinc
	case op == LDC || op == LDC_W || op == LDC2_W:
		return FormatLdc
	case (op >= IFEQ && op <= JSR) || op == IFNULL || op == IFNONNULL || op == GOTO_W || op == JSR_W:
		return FormatJump
	case op == TABLESWITCH:
		return FormatTableSwitch
	case op == LOOKUPSW:
		return FormatLookupSwitch
	case IsFieldAccess(op):
		return FormatField
	case IsInvoke(op):
		return FormatMethod
	case op == INVOKEDYN:
		return FormatInvokeDyn
	case op == NEW || op == ANEWARRAY || op == CHECKCAST || op == INSTANCEOF:
		return FormatType
	case op == MULTIANEWARRAY:
		return FormatMultiANewArray
	default:
		return FormatNone
	}
}

// Prev returns the preceding instruction in the list, or nil.
func (in *Insn) Prev() *Insn { return in.prev }

// Next returns the following instruction in the list, or nil.
func (in *Insn) Next() *Insn { return in.next }

// IsLabel reports whether the instruction is a label pseudo op.
func (in *Insn) IsLabel() bool { return in.Op == OpLabel }

// IsReal reports whether the instruction encodes to bytes (not a pseudo op).
func (in *Insn) IsReal() bool { return in.Op >= 0 }

// String renders the instruction for diagnostics.
func (in *Insn) String() string {
	switch in.Format() {
	case FormatVar:
		return fmt.Sprintf("%s %d", OpName(in.Op), in.Var)
	case FormatIinc:
		return fmt.Sprintf("iinc %d %d", in.Var, in.Operand)
	case FormatInt:
		return fmt.Sprintf("%s %d", OpName(in.Op), in.Operand)
	case FormatField, FormatMethod:
		return fmt.Sprintf("%s %s.%s:%s", OpName(in.Op), in.Owner, in.Name, in.Desc)
	case FormatInvokeDyn:
		return fmt.Sprintf("invokedynamic %s%s", in.Name, in.Desc)
	case FormatType:
		return fmt.Sprintf("%s %s", OpName(in.Op), in.Type)
	case FormatLine:
		return fmt.Sprintf("line %d", in.Line)
	default:
		return OpName(in.Op)
	}
}

// NewInsn creates a zero-operand instruction.
func NewInsn(op int) *Insn { return &Insn{Op: op} }

// NewVarInsn creates a local variable instruction.
func NewVarInsn(op, slot int) *Insn { return &Insn{Op: op, Var: slot} }

// NewIntInsn creates an immediate integer instruction.
func NewIntInsn(op, operand int) *Insn { return &Insn{Op: op, Operand: operand} }

// NewTypeInsn creates a class reference instruction.
func NewTypeInsn(op int, internalName string) *Insn {
	return &Insn{Op: op, Type: internalName}
}

// NewFieldInsn creates a field access instruction.
func NewFieldInsn(op int, owner, name, desc string) *Insn {
	return &Insn{Op: op, Owner: owner, Name: name, Desc: desc}
}

// NewMethodInsn creates a method invocation instruction.
func NewMethodInsn(op int, owner, name, desc string, itf bool) *Insn {
	return &Insn{Op: op, Owner: owner, Name: name, Desc: desc, Itf: itf}
}

// NewJumpInsn creates a branch instruction targeting a label.
func NewJumpInsn(op int, target *Insn) *Insn {
	return &Insn{Op: op, Target: target}
}

// NewLdcInsn creates a constant load. The opcode is normalized at encode
// time (ldc vs ldc_w vs ldc2_w).
func NewLdcInsn(v ConstValue) *Insn { return &Insn{Op: LDC, Const: v} }

// NewIincInsn creates an iinc instruction.
func NewIincInsn(slot, incr int) *Insn {
	return &Insn{Op: IINC, Var: slot, Operand: incr}
}

// NewLabel creates a label pseudo instruction.
func NewLabel() *Insn { return &Insn{Op: OpLabel} }

// NewLine creates a line number pseudo instruction.
func NewLine(line int) *Insn { return &Insn{Op: OpLine, Line: line} }

// Clone copies the instruction without list linkage. Branch targets are
// remapped through labels; a nil entry means the target label has not been
// cloned, which is a caller bug.
func (in *Insn) Clone(labels map[*Insn]*Insn) *Insn {
	dup := *in
	dup.prev, dup.next, dup.list = nil, nil, nil
	if in.Target != nil {
		dup.Target = labels[in.Target]
	}
	if in.Default != nil {
		dup.Default = labels[in.Default]
	}
	if in.Targets != nil {
		dup.Targets = make([]*Insn, len(in.Targets))
		for i, t := range in.Targets {
			dup.Targets[i] = labels[t]
		}
	}
	if in.Keys != nil {
		dup.Keys = append([]int32(nil), in.Keys...)
	}
	if in.BootstrapArgs != nil {
		dup.BootstrapArgs = append([]ConstValue(nil), in.BootstrapArgs...)
	}
	return &dup
}
