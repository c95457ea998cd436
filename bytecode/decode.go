package bytecode

import (
	"encoding/binary"
	"fmt"
)

// ConstPool resolves constant pool indices during code decoding. The
// classfile package provides the implementation; keeping this an interface
// keeps bytecode free of the container format.
type ConstPool interface {
	ClassName(index uint16) (string, error)
	FieldRef(index uint16) (owner, name, desc string, err error)
	MethodRef(index uint16) (owner, name, desc string, itf bool, err error)
	Loadable(index uint16) (ConstValue, error)
	InvokeDynamic(index uint16) (name, desc string, bootstrap *Handle, args []ConstValue, err error)
}

// Decode converts raw JVM code bytes into an instruction list. Labels are
// materialized ahead of every branch target and every offset listed in
// extraTargets (exception table boundaries). The returned map locates the
// decoded instruction (its label when one exists) for each code offset;
// offset len(code) maps to a trailing label when requested via
// extraTargets.
func Decode(code []byte, pool ConstPool, extraTargets []int) (*InsnList, map[int]*Insn, error) {
	targets := make(map[int]bool)
	if err := scanTargets(code, targets); err != nil {
		return nil, nil, err
	}
	for _, t := range extraTargets {
		targets[t] = true
	}

	list := NewInsnList()
	atOffset := make(map[int]*Insn)
	// Branches are linked after the full pass, once every target offset has
	// an instruction.
	type fixup struct {
		in     *Insn
		target int
		multi  []int // switch targets: default first
	}
	var fixups []fixup

	pc := 0
	for pc < len(code) {
		start := pc
		if targets[start] {
			label := NewLabel()
			list.PushBack(label)
			atOffset[start] = label
		}

		op := int(code[pc])
		pc++
		wide := false
		if op == WIDE {
			if pc >= len(code) {
				return nil, nil, fmt.Errorf("bytecode: truncated wide prefix at %d", start)
			}
			wide = true
			op = int(code[pc])
			pc++
		}

		// Short-form loads and stores are normalized to their base opcode
		// with an explicit slot; the encoder re-shortens them.
		implicitVar := -1
		switch {
		case op >= ILOAD_0 && op <= ALOAD_3:
			implicitVar = (op - ILOAD_0) % 4
			op = ILOAD + (op-ILOAD_0)/4
		case op >= ISTORE_0 && op <= ASTORE_3:
			implicitVar = (op - ISTORE_0) % 4
			op = ISTORE + (op-ISTORE_0)/4
		}

		var in *Insn
		if implicitVar >= 0 {
			in = NewVarInsn(op, implicitVar)
			list.PushBack(in)
			if _, ok := atOffset[start]; !ok {
				atOffset[start] = in
			}
			continue
		}
		switch formatOf(op) {
		case FormatNone:
			in = NewInsn(op)

		case FormatVar:
			slot, n, err := readVar(code, pc, wide)
			if err != nil {
				return nil, nil, err
			}
			pc += n
			in = NewVarInsn(op, slot)

		case FormatIinc:
			if wide {
				if pc+4 > len(code) {
					return nil, nil, truncated("wide iinc", start)
				}
				in = NewIincInsn(int(u16(code, pc)), int(int16(u16(code, pc+2))))
				pc += 4
			} else {
				if pc+2 > len(code) {
					return nil, nil, truncated("iinc", start)
				}
				in = NewIincInsn(int(code[pc]), int(int8(code[pc+1])))
				pc += 2
			}

		case FormatInt:
			switch op {
			case BIPUSH, NEWARRAY:
				if pc >= len(code) {
					return nil, nil, truncated(OpName(op), start)
				}
				operand := int(int8(code[pc]))
				if op == NEWARRAY {
					operand = int(code[pc])
				}
				in = NewIntInsn(op, operand)
				pc++
			case SIPUSH:
				if pc+2 > len(code) {
					return nil, nil, truncated("sipush", start)
				}
				in = NewIntInsn(op, int(int16(u16(code, pc))))
				pc += 2
			}

		case FormatLdc:
			var index uint16
			if op == LDC {
				if pc >= len(code) {
					return nil, nil, truncated("ldc", start)
				}
				index = uint16(code[pc])
				pc++
			} else {
				if pc+2 > len(code) {
					return nil, nil, truncated("ldc_w", start)
				}
				index = u16(code, pc)
				pc += 2
			}
			v, err := pool.Loadable(index)
			if err != nil {
				return nil, nil, fmt.Errorf("bytecode: ldc at %d: %w", start, err)
			}
			in = NewLdcInsn(v)

		case FormatField:
			if pc+2 > len(code) {
				return nil, nil, truncated(OpName(op), start)
			}
			owner, name, desc, err := pool.FieldRef(u16(code, pc))
			if err != nil {
				return nil, nil, fmt.Errorf("bytecode: %s at %d: %w", OpName(op), start, err)
			}
			pc += 2
			in = NewFieldInsn(op, owner, name, desc)

		case FormatMethod:
			if pc+2 > len(code) {
				return nil, nil, truncated(OpName(op), start)
			}
			owner, name, desc, itf, err := pool.MethodRef(u16(code, pc))
			if err != nil {
				return nil, nil, fmt.Errorf("bytecode: %s at %d: %w", OpName(op), start, err)
			}
			pc += 2
			if op == INVOKEINTF {
				pc += 2 // count + zero padding
			}
			in = NewMethodInsn(op, owner, name, desc, itf)

		case FormatInvokeDyn:
			if pc+4 > len(code) {
				return nil, nil, truncated("invokedynamic", start)
			}
			name, desc, bootstrap, args, err := pool.InvokeDynamic(u16(code, pc))
			if err != nil {
				return nil, nil, fmt.Errorf("bytecode: invokedynamic at %d: %w", start, err)
			}
			pc += 4
			in = &Insn{Op: INVOKEDYN, Name: name, Desc: desc, Bootstrap: bootstrap, BootstrapArgs: args}

		case FormatType:
			if pc+2 > len(code) {
				return nil, nil, truncated(OpName(op), start)
			}
			name, err := pool.ClassName(u16(code, pc))
			if err != nil {
				return nil, nil, fmt.Errorf("bytecode: %s at %d: %w", OpName(op), start, err)
			}
			pc += 2
			in = NewTypeInsn(op, name)

		case FormatMultiANewArray:
			if pc+3 > len(code) {
				return nil, nil, truncated("multianewarray", start)
			}
			name, err := pool.ClassName(u16(code, pc))
			if err != nil {
				return nil, nil, fmt.Errorf("bytecode: multianewarray at %d: %w", start, err)
			}
			in = &Insn{Op: MULTIANEWARRAY, Type: name, Dims: int(code[pc+2])}
			pc += 3

		case FormatJump:
			var delta int
			if op == GOTO_W || op == JSR_W {
				if pc+4 > len(code) {
					return nil, nil, truncated(OpName(op), start)
				}
				delta = int(int32(binary.BigEndian.Uint32(code[pc:])))
				pc += 4
			} else {
				if pc+2 > len(code) {
					return nil, nil, truncated(OpName(op), start)
				}
				delta = int(int16(u16(code, pc)))
				pc += 2
			}
			in = &Insn{Op: op}
			fixups = append(fixups, fixup{in: in, target: start + delta})

		case FormatTableSwitch:
			pc = pad4(pc)
			if pc+12 > len(code) {
				return nil, nil, truncated("tableswitch", start)
			}
			def := int(int32(binary.BigEndian.Uint32(code[pc:])))
			low := int32(binary.BigEndian.Uint32(code[pc+4:]))
			high := int32(binary.BigEndian.Uint32(code[pc+8:]))
			pc += 12
			count := int(high - low + 1)
			if count < 0 || pc+4*count > len(code) {
				return nil, nil, truncated("tableswitch entries", start)
			}
			multi := []int{start + def}
			for i := 0; i < count; i++ {
				multi = append(multi, start+int(int32(binary.BigEndian.Uint32(code[pc:]))))
				pc += 4
			}
			in = &Insn{Op: TABLESWITCH, Low: low, High: high}
			fixups = append(fixups, fixup{in: in, multi: multi})

		case FormatLookupSwitch:
			pc = pad4(pc)
			if pc+8 > len(code) {
				return nil, nil, truncated("lookupswitch", start)
			}
			def := int(int32(binary.BigEndian.Uint32(code[pc:])))
			count := int(int32(binary.BigEndian.Uint32(code[pc+4:])))
			pc += 8
			if count < 0 || pc+8*count > len(code) {
				return nil, nil, truncated("lookupswitch entries", start)
			}
			in = &Insn{Op: LOOKUPSW}
			multi := []int{start + def}
			for i := 0; i < count; i++ {
				in.Keys = append(in.Keys, int32(binary.BigEndian.Uint32(code[pc:])))
				multi = append(multi, start+int(int32(binary.BigEndian.Uint32(code[pc+4:]))))
				pc += 8
			}
			fixups = append(fixups, fixup{in: in, multi: multi})

		default:
			return nil, nil, fmt.Errorf("bytecode: unknown opcode 0x%02x at %d", op, start)
		}

		list.PushBack(in)
		if _, ok := atOffset[start]; !ok {
			atOffset[start] = in
		}
	}

	if targets[len(code)] {
		end := NewLabel()
		list.PushBack(end)
		atOffset[len(code)] = end
	}

	for _, f := range fixups {
		if f.multi == nil {
			label, ok := atOffset[f.target]
			if !ok || !label.IsLabel() {
				return nil, nil, fmt.Errorf("bytecode: branch to unmapped offset %d", f.target)
			}
			f.in.Target = label
			continue
		}
		resolved := make([]*Insn, len(f.multi))
		for i, off := range f.multi {
			label, ok := atOffset[off]
			if !ok || !label.IsLabel() {
				return nil, nil, fmt.Errorf("bytecode: switch branch to unmapped offset %d", off)
			}
			resolved[i] = label
		}
		f.in.Default = resolved[0]
		f.in.Targets = resolved[1:]
	}

	return list, atOffset, nil
}

// scanTargets walks the code once collecting every branch target offset so
// labels can be placed before the decoded instructions land.
func scanTargets(code []byte, targets map[int]bool) error {
	pc := 0
	for pc < len(code) {
		start := pc
		op := int(code[pc])
		pc++
		wide := false
		if op == WIDE {
			if pc >= len(code) {
				return truncated("wide prefix", start)
			}
			wide = true
			op = int(code[pc])
			pc++
		}

		switch formatOf(op) {
		case FormatNone:
		case FormatVar:
			if wide {
				pc += 2
			} else {
				pc++
			}
		case FormatIinc:
			if wide {
				pc += 4
			} else {
				pc += 2
			}
		case FormatInt:
			if op == SIPUSH {
				pc += 2
			} else {
				pc++
			}
		case FormatLdc:
			if op == LDC {
				pc++
			} else {
				pc += 2
			}
		case FormatField, FormatMethod, FormatType:
			pc += 2
			if op == INVOKEINTF {
				pc += 2
			}
		case FormatInvokeDyn:
			pc += 4
		case FormatMultiANewArray:
			pc += 3
		case FormatJump:
			if op == GOTO_W || op == JSR_W {
				if pc+4 > len(code) {
					return truncated(OpName(op), start)
				}
				targets[start+int(int32(binary.BigEndian.Uint32(code[pc:])))] = true
				pc += 4
			} else {
				if pc+2 > len(code) {
					return truncated(OpName(op), start)
				}
				targets[start+int(int16(u16(code, pc)))] = true
				pc += 2
			}
		case FormatTableSwitch:
			pc = pad4(pc)
			if pc+12 > len(code) {
				return truncated("tableswitch", start)
			}
			targets[start+int(int32(binary.BigEndian.Uint32(code[pc:])))] = true
			low := int32(binary.BigEndian.Uint32(code[pc+4:]))
			high := int32(binary.BigEndian.Uint32(code[pc+8:]))
			pc += 12
			for i := int32(0); i <= high-low; i++ {
				if pc+4 > len(code) {
					return truncated("tableswitch entries", start)
				}
				targets[start+int(int32(binary.BigEndian.Uint32(code[pc:])))] = true
				pc += 4
			}
		case FormatLookupSwitch:
			pc = pad4(pc)
			if pc+8 > len(code) {
				return truncated("lookupswitch", start)
			}
			targets[start+int(int32(binary.BigEndian.Uint32(code[pc:])))] = true
			count := int(int32(binary.BigEndian.Uint32(code[pc+4:])))
			pc += 8
			for i := 0; i < count; i++ {
				if pc+8 > len(code) {
					return truncated("lookupswitch entries", start)
				}
				targets[start+int(int32(binary.BigEndian.Uint32(code[pc+4:])))] = true
				pc += 8
			}
		default:
			return fmt.Errorf("bytecode: unknown opcode 0x%02x at %d", op, start)
		}
	}
	return nil
}

func readVar(code []byte, pc int, wide bool) (int, int, error) {
	if wide {
		if pc+2 > len(code) {
			return 0, 0, truncated("wide var", pc)
		}
		return int(u16(code, pc)), 2, nil
	}
	if pc >= len(code) {
		return 0, 0, truncated("var", pc)
	}
	return int(code[pc]), 1, nil
}

func u16(code []byte, pc int) uint16 {
	return binary.BigEndian.Uint16(code[pc:])
}

func pad4(pc int) int {
	return (pc + 3) &^ 3
}

func truncated(what string, at int) error {
	return fmt.Errorf("bytecode: truncated %s at offset %d", what, at)
}
