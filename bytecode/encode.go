package bytecode

import (
	"encoding/binary"
	"fmt"
)

// ConstBuilder interns symbolic references into a constant pool under
// construction and returns their indices. Indices must be stable: asking
// for the same entry twice returns the same index.
type ConstBuilder interface {
	Class(internalName string) uint16
	Field(owner, name, desc string) uint16
	Method(owner, name, desc string, itf bool) uint16
	Const(v ConstValue) uint16
	InvokeDynamic(name, desc string, bootstrap *Handle, args []ConstValue) uint16
}

// LineEntry maps a code offset to a source line, recovered from line
// pseudo instructions during encoding.
type LineEntry struct {
	PC   uint16
	Line uint16
}

// Encode serializes the instruction list back to JVM code bytes. The
// returned offsets map gives the code offset assigned to every
// instruction, labels included, for exception table encoding.
//
// Branch offsets that no longer fit in 16 bits after rewriting are
// reported as an error rather than silently widened.
func Encode(list *InsnList, b ConstBuilder) (code []byte, lines []LineEntry, offsets map[*Insn]int, err error) {
	offsets = make(map[*Insn]int)

	// Pass 1: assign offsets. Constant pool indices are interned here so
	// ldc width is known before emission.
	pc := 0
	for in := list.First(); in != nil; in = in.Next() {
		offsets[in] = pc
		n, err := insnSize(in, b, pc)
		if err != nil {
			return nil, nil, nil, err
		}
		pc += n
	}

	// Pass 2: emit.
	code = make([]byte, 0, pc)
	for in := list.First(); in != nil; in = in.Next() {
		code, err = emit(code, in, b, offsets)
		if err != nil {
			return nil, nil, nil, err
		}
		if in.Op == OpLine {
			lines = append(lines, LineEntry{PC: uint16(offsets[in]), Line: uint16(in.Line)})
		}
	}
	if len(code) != pc {
		return nil, nil, nil, fmt.Errorf("bytecode: emitted %d bytes, sized %d", len(code), pc)
	}
	return code, lines, offsets, nil
}

func insnSize(in *Insn, b ConstBuilder, pc int) (int, error) {
	switch in.Format() {
	case FormatLabel, FormatLine:
		return 0, nil
	case FormatNone:
		return 1, nil
	case FormatVar:
		if in.Op != RET && in.Var <= 3 {
			return 1, nil // short form
		}
		if in.Var > 0xff {
			return 4, nil // wide
		}
		return 2, nil
	case FormatIinc:
		if in.Var > 0xff || in.Operand > 0x7f || in.Operand < -0x80 {
			return 6, nil // wide
		}
		return 3, nil
	case FormatInt:
		if in.Op == SIPUSH {
			return 3, nil
		}
		return 2, nil
	case FormatLdc:
		index := b.Const(in.Const)
		if in.Const.Kind == ConstLong || in.Const.Kind == ConstDouble {
			return 3, nil // ldc2_w
		}
		if index > 0xff {
			return 3, nil // ldc_w
		}
		return 2, nil
	case FormatField:
		b.Field(in.Owner, in.Name, in.Desc)
		return 3, nil
	case FormatMethod:
		b.Method(in.Owner, in.Name, in.Desc, in.Itf)
		if in.Op == INVOKEINTF {
			return 5, nil
		}
		return 3, nil
	case FormatInvokeDyn:
		b.InvokeDynamic(in.Name, in.Desc, in.Bootstrap, in.BootstrapArgs)
		return 5, nil
	case FormatType:
		b.Class(in.Type)
		return 3, nil
	case FormatMultiANewArray:
		b.Class(in.Type)
		return 4, nil
	case FormatJump:
		if in.Op == GOTO_W || in.Op == JSR_W {
			return 5, nil
		}
		return 3, nil
	case FormatTableSwitch:
		pad := pad4(pc+1) - (pc + 1)
		return 1 + pad + 12 + 4*len(in.Targets), nil
	case FormatLookupSwitch:
		pad := pad4(pc+1) - (pc + 1)
		return 1 + pad + 8 + 8*len(in.Targets), nil
	}
	return 0, fmt.Errorf("bytecode: cannot size %s", in)
}

func emit(code []byte, in *Insn, b ConstBuilder, offsets map[*Insn]int) ([]byte, error) {
	pc := offsets[in]
	switch in.Format() {
	case FormatLabel, FormatLine:
		return code, nil

	case FormatNone:
		return append(code, byte(in.Op)), nil

	case FormatVar:
		if in.Op != RET && in.Var <= 3 {
			if in.Op >= ILOAD && in.Op <= ALOAD {
				return append(code, byte(ILOAD_0+(in.Op-ILOAD)*4+in.Var)), nil
			}
			return append(code, byte(ISTORE_0+(in.Op-ISTORE)*4+in.Var)), nil
		}
		if in.Var > 0xff {
			code = append(code, WIDE, byte(in.Op))
			return binary.BigEndian.AppendUint16(code, uint16(in.Var)), nil
		}
		return append(code, byte(in.Op), byte(in.Var)), nil

	case FormatIinc:
		if in.Var > 0xff || in.Operand > 0x7f || in.Operand < -0x80 {
			code = append(code, WIDE, IINC)
			code = binary.BigEndian.AppendUint16(code, uint16(in.Var))
			return binary.BigEndian.AppendUint16(code, uint16(int16(in.Operand))), nil
		}
		return append(code, IINC, byte(in.Var), byte(int8(in.Operand))), nil

	case FormatInt:
		if in.Op == SIPUSH {
			code = append(code, SIPUSH)
			return binary.BigEndian.AppendUint16(code, uint16(int16(in.Operand))), nil
		}
		return append(code, byte(in.Op), byte(in.Operand)), nil

	case FormatLdc:
		index := b.Const(in.Const)
		if in.Const.Kind == ConstLong || in.Const.Kind == ConstDouble {
			code = append(code, LDC2_W)
			return binary.BigEndian.AppendUint16(code, index), nil
		}
		if index > 0xff {
			code = append(code, LDC_W)
			return binary.BigEndian.AppendUint16(code, index), nil
		}
		return append(code, LDC, byte(index)), nil

	case FormatField:
		code = append(code, byte(in.Op))
		return binary.BigEndian.AppendUint16(code, b.Field(in.Owner, in.Name, in.Desc)), nil

	case FormatMethod:
		code = append(code, byte(in.Op))
		code = binary.BigEndian.AppendUint16(code, b.Method(in.Owner, in.Name, in.Desc, in.Itf))
		if in.Op == INVOKEINTF {
			count := 1 + argSlots(in.Desc)
			code = append(code, byte(count), 0)
		}
		return code, nil

	case FormatInvokeDyn:
		code = append(code, INVOKEDYN)
		code = binary.BigEndian.AppendUint16(code, b.InvokeDynamic(in.Name, in.Desc, in.Bootstrap, in.BootstrapArgs))
		return append(code, 0, 0), nil

	case FormatType:
		code = append(code, byte(in.Op))
		return binary.BigEndian.AppendUint16(code, b.Class(in.Type)), nil

	case FormatMultiANewArray:
		code = append(code, MULTIANEWARRAY)
		code = binary.BigEndian.AppendUint16(code, b.Class(in.Type))
		return append(code, byte(in.Dims)), nil

	case FormatJump:
		delta, err := branchDelta(in, in.Target, offsets)
		if err != nil {
			return nil, err
		}
		if in.Op == GOTO_W || in.Op == JSR_W {
			code = append(code, byte(in.Op))
			return binary.BigEndian.AppendUint32(code, uint32(int32(delta))), nil
		}
		if delta > 0x7fff || delta < -0x8000 {
			return nil, fmt.Errorf("bytecode: branch offset %d out of 16-bit range at pc %d", delta, pc)
		}
		code = append(code, byte(in.Op))
		return binary.BigEndian.AppendUint16(code, uint16(int16(delta))), nil

	case FormatTableSwitch:
		code = append(code, TABLESWITCH)
		for len(code)%4 != 0 {
			code = append(code, 0)
		}
		delta, err := branchDelta(in, in.Default, offsets)
		if err != nil {
			return nil, err
		}
		code = binary.BigEndian.AppendUint32(code, uint32(int32(delta)))
		code = binary.BigEndian.AppendUint32(code, uint32(in.Low))
		code = binary.BigEndian.AppendUint32(code, uint32(in.High))
		for _, t := range in.Targets {
			delta, err := branchDelta(in, t, offsets)
			if err != nil {
				return nil, err
			}
			code = binary.BigEndian.AppendUint32(code, uint32(int32(delta)))
		}
		return code, nil

	case FormatLookupSwitch:
		code = append(code, LOOKUPSW)
		for len(code)%4 != 0 {
			code = append(code, 0)
		}
		delta, err := branchDelta(in, in.Default, offsets)
		if err != nil {
			return nil, err
		}
		code = binary.BigEndian.AppendUint32(code, uint32(int32(delta)))
		code = binary.BigEndian.AppendUint32(code, uint32(len(in.Targets)))
		for i, t := range in.Targets {
			code = binary.BigEndian.AppendUint32(code, uint32(in.Keys[i]))
			delta, err := branchDelta(in, t, offsets)
			if err != nil {
				return nil, err
			}
			code = binary.BigEndian.AppendUint32(code, uint32(int32(delta)))
		}
		return code, nil
	}
	return nil, fmt.Errorf("bytecode: cannot emit %s", in)
}

func branchDelta(from, to *Insn, offsets map[*Insn]int) (int, error) {
	target, ok := offsets[to]
	if !ok {
		return 0, fmt.Errorf("bytecode: %s targets a label outside the method", from)
	}
	return target - offsets[from], nil
}

// argSlots counts argument slots (wide types take two) for the
// invokeinterface count operand. Kept local so bytecode stays independent
// of the descriptor package.
func argSlots(desc string) int {
	slots := 0
	i := 1 // skip '('
	for i < len(desc) && desc[i] != ')' {
		switch desc[i] {
		case 'J', 'D':
			slots += 2
			i++
		case 'L':
			slots++
			for i < len(desc) && desc[i] != ';' {
				i++
			}
			i++
		case '[':
			slots++
			for i < len(desc) && desc[i] == '[' {
				i++
			}
			if i < len(desc) && desc[i] == 'L' {
				for i < len(desc) && desc[i] != ';' {
					i++
				}
			}
			i++
		default:
			slots++
			i++
		}
	}
	return slots
}
