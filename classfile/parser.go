package classfile

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/softweave/weft/bytecode"
)

const classMagic = 0xCAFEBABE

// reader is a bounds-checked cursor over the raw class bytes.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) u1() (uint8, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("classfile: unexpected end of file at %d", r.pos)
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u2() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmt.Errorf("classfile: unexpected end of file at %d", r.pos)
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u4() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("classfile: unexpected end of file at %d", r.pos)
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("classfile: unexpected end of file at %d", r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// rawAttr is an attribute before interpretation.
type rawAttr struct {
	name string
	data []byte
}

// rawMethod carries a method plus its undecoded Code attribute; code is
// decoded only after the whole file is read, because invokedynamic
// resolution needs the BootstrapMethods attribute at the end of the file.
type rawMethod struct {
	node *MethodNode
	code []byte
}

// Parse decodes a compiled class.
func Parse(data []byte) (*ClassNode, error) {
	r := &reader{data: data}

	magic, err := r.u4()
	if err != nil {
		return nil, err
	}
	if magic != classMagic {
		return nil, fmt.Errorf("classfile: invalid magic 0x%08X", magic)
	}

	cn := &ClassNode{}
	if cn.MinorVersion, err = r.u2(); err != nil {
		return nil, err
	}
	if cn.MajorVersion, err = r.u2(); err != nil {
		return nil, err
	}

	p, err := parsePool(r)
	if err != nil {
		return nil, fmt.Errorf("classfile: parsing constant pool: %w", err)
	}

	if cn.Access, err = r.u2(); err != nil {
		return nil, err
	}
	thisIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	if cn.Name, err = p.ClassName(thisIdx); err != nil {
		return nil, fmt.Errorf("classfile: resolving this_class: %w", err)
	}
	superIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	if superIdx != 0 {
		if cn.SuperName, err = p.ClassName(superIdx); err != nil {
			return nil, fmt.Errorf("classfile: resolving super_class: %w", err)
		}
	}

	itfCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(itfCount); i++ {
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		name, err := p.ClassName(idx)
		if err != nil {
			return nil, fmt.Errorf("classfile: resolving interface %d: %w", i, err)
		}
		cn.Interfaces = append(cn.Interfaces, name)
	}

	fieldCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(fieldCount); i++ {
		f, err := parseField(r, p)
		if err != nil {
			return nil, fmt.Errorf("classfile: parsing field %d: %w", i, err)
		}
		cn.Fields = append(cn.Fields, f)
	}

	methodCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	raws := make([]rawMethod, 0, methodCount)
	for i := 0; i < int(methodCount); i++ {
		rm, err := parseMethod(r, p)
		if err != nil {
			return nil, fmt.Errorf("classfile: parsing method %d: %w", i, err)
		}
		raws = append(raws, rm)
		cn.Methods = append(cn.Methods, rm.node)
	}

	var bootstraps []rawBootstrap
	attrs, err := parseAttrs(r, p)
	if err != nil {
		return nil, fmt.Errorf("classfile: parsing class attributes: %w", err)
	}
	for _, a := range attrs {
		switch a.name {
		case "SourceFile":
			if len(a.data) >= 2 {
				cn.SourceFile, _ = p.Utf8(binary.BigEndian.Uint16(a.data))
			}
		case "Signature":
			if len(a.data) >= 2 {
				cn.Signature, _ = p.Utf8(binary.BigEndian.Uint16(a.data))
			}
		case "RuntimeVisibleAnnotations":
			if cn.VisibleAnnotations, err = parseAnnotations(a.data, p); err != nil {
				return nil, err
			}
		case "RuntimeInvisibleAnnotations":
			if cn.InvisibleAnnotations, err = parseAnnotations(a.data, p); err != nil {
				return nil, err
			}
		case "BootstrapMethods":
			if bootstraps, err = parseBootstrapAttr(a.data); err != nil {
				return nil, err
			}
		}
	}

	resolver := &poolResolver{p: p, bootstraps: bootstraps}
	for _, rm := range raws {
		if rm.code == nil {
			continue
		}
		if err := decodeCode(rm.node, rm.code, resolver); err != nil {
			return nil, fmt.Errorf("classfile: decoding %s.%s%s: %w", cn.Name, rm.node.Name, rm.node.Desc, err)
		}
	}
	return cn, nil
}

func parsePool(r *reader) (*pool, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	p := &pool{entries: make([]cpEntry, count)}
	for i := uint16(1); i < count; i++ {
		tag, err := r.u1()
		if err != nil {
			return nil, err
		}
		e := cpEntry{tag: tag}
		switch tag {
		case TagUtf8:
			n, err := r.u2()
			if err != nil {
				return nil, err
			}
			b, err := r.bytes(int(n))
			if err != nil {
				return nil, err
			}
			e.str = decodeModifiedUTF8(b)
		case TagInteger:
			v, err := r.u4()
			if err != nil {
				return nil, err
			}
			e.i64 = int64(int32(v))
		case TagFloat:
			v, err := r.u4()
			if err != nil {
				return nil, err
			}
			e.f64 = float64(math.Float32frombits(v))
		case TagLong, TagDouble:
			hi, err := r.u4()
			if err != nil {
				return nil, err
			}
			lo, err := r.u4()
			if err != nil {
				return nil, err
			}
			bits := uint64(hi)<<32 | uint64(lo)
			if tag == TagLong {
				e.i64 = int64(bits)
			} else {
				e.f64 = math.Float64frombits(bits)
			}
		case TagClass, TagString, TagMethodType:
			if e.idx1, err = r.u2(); err != nil {
				return nil, err
			}
		case TagMethodHandle:
			kind, err := r.u1()
			if err != nil {
				return nil, err
			}
			e.idx1 = uint16(kind)
			if e.idx2, err = r.u2(); err != nil {
				return nil, err
			}
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagInvokeDynamic:
			if e.idx1, err = r.u2(); err != nil {
				return nil, err
			}
			if e.idx2, err = r.u2(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown constant tag %d at entry %d", tag, i)
		}
		p.entries[i] = e
		if tag == TagLong || tag == TagDouble {
			i++ // wide entries take two slots
		}
	}
	return p, nil
}

func parseAttrs(r *reader, p *pool) ([]rawAttr, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	attrs := make([]rawAttr, 0, count)
	for i := 0; i < int(count); i++ {
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		length, err := r.u4()
		if err != nil {
			return nil, err
		}
		data, err := r.bytes(int(length))
		if err != nil {
			return nil, err
		}
		name, err := p.Utf8(nameIdx)
		if err != nil {
			return nil, fmt.Errorf("resolving attribute %d name: %w", i, err)
		}
		attrs = append(attrs, rawAttr{name: name, data: data})
	}
	return attrs, nil
}

func parseField(r *reader, p *pool) (*FieldNode, error) {
	f := &FieldNode{}
	var err error
	if f.Access, err = r.u2(); err != nil {
		return nil, err
	}
	nameIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	descIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	if f.Name, err = p.Utf8(nameIdx); err != nil {
		return nil, err
	}
	if f.Desc, err = p.Utf8(descIdx); err != nil {
		return nil, err
	}
	attrs, err := parseAttrs(r, p)
	if err != nil {
		return nil, err
	}
	for _, a := range attrs {
		switch a.name {
		case "ConstantValue":
			if len(a.data) >= 2 {
				v, err := p.Loadable(binary.BigEndian.Uint16(a.data))
				if err != nil {
					return nil, fmt.Errorf("field %s constant: %w", f.Name, err)
				}
				f.Value = &v
			}
		case "Signature":
			if len(a.data) >= 2 {
				f.Signature, _ = p.Utf8(binary.BigEndian.Uint16(a.data))
			}
		case "RuntimeVisibleAnnotations":
			if f.VisibleAnnotations, err = parseAnnotations(a.data, p); err != nil {
				return nil, err
			}
		case "RuntimeInvisibleAnnotations":
			if f.InvisibleAnnotations, err = parseAnnotations(a.data, p); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

func parseMethod(r *reader, p *pool) (rawMethod, error) {
	m := &MethodNode{}
	var err error
	if m.Access, err = r.u2(); err != nil {
		return rawMethod{}, err
	}
	nameIdx, err := r.u2()
	if err != nil {
		return rawMethod{}, err
	}
	descIdx, err := r.u2()
	if err != nil {
		return rawMethod{}, err
	}
	if m.Name, err = p.Utf8(nameIdx); err != nil {
		return rawMethod{}, err
	}
	if m.Desc, err = p.Utf8(descIdx); err != nil {
		return rawMethod{}, err
	}
	attrs, err := parseAttrs(r, p)
	if err != nil {
		return rawMethod{}, err
	}
	rm := rawMethod{node: m}
	for _, a := range attrs {
		switch a.name {
		case "Code":
			rm.code = a.data
		case "Exceptions":
			if len(a.data) >= 2 {
				n := int(binary.BigEndian.Uint16(a.data))
				for i := 0; i < n && 2+2*i+2 <= len(a.data); i++ {
					name, err := p.ClassName(binary.BigEndian.Uint16(a.data[2+2*i:]))
					if err != nil {
						return rawMethod{}, fmt.Errorf("method %s exceptions: %w", m.Name, err)
					}
					m.Exceptions = append(m.Exceptions, name)
				}
			}
		case "Signature":
			if len(a.data) >= 2 {
				m.Signature, _ = p.Utf8(binary.BigEndian.Uint16(a.data))
			}
		case "RuntimeVisibleAnnotations":
			if m.VisibleAnnotations, err = parseAnnotations(a.data, p); err != nil {
				return rawMethod{}, err
			}
		case "RuntimeInvisibleAnnotations":
			if m.InvisibleAnnotations, err = parseAnnotations(a.data, p); err != nil {
				return rawMethod{}, err
			}
		}
	}
	return rm, nil
}

// decodeCode interprets a Code attribute body, filling the method's
// instruction list, exception table and line pseudo instructions.
func decodeCode(m *MethodNode, data []byte, resolver *poolResolver) error {
	r := &reader{data: data}
	maxStack, err := r.u2()
	if err != nil {
		return err
	}
	maxLocals, err := r.u2()
	if err != nil {
		return err
	}
	codeLen, err := r.u4()
	if err != nil {
		return err
	}
	code, err := r.bytes(int(codeLen))
	if err != nil {
		return err
	}

	type rawHandler struct {
		start, end, handler int
		catchType           uint16
	}
	exCount, err := r.u2()
	if err != nil {
		return err
	}
	handlers := make([]rawHandler, exCount)
	var extra []int
	for i := range handlers {
		s, err := r.u2()
		if err != nil {
			return err
		}
		e, err := r.u2()
		if err != nil {
			return err
		}
		h, err := r.u2()
		if err != nil {
			return err
		}
		c, err := r.u2()
		if err != nil {
			return err
		}
		handlers[i] = rawHandler{start: int(s), end: int(e), handler: int(h), catchType: c}
		extra = append(extra, int(s), int(e), int(h))
	}

	list, atOffset, err := bytecode.Decode(code, resolver, extra)
	if err != nil {
		return err
	}

	m.MaxStack = int(maxStack)
	m.MaxLocals = int(maxLocals)
	m.Instructions = list

	labelAt := func(off int) (*bytecode.Insn, error) {
		in, ok := atOffset[off]
		if !ok || !in.IsLabel() {
			return nil, fmt.Errorf("no label at exception boundary %d", off)
		}
		return in, nil
	}
	for _, h := range handlers {
		tc := &TryCatch{}
		if tc.Start, err = labelAt(h.start); err != nil {
			return err
		}
		if tc.End, err = labelAt(h.end); err != nil {
			return err
		}
		if tc.Handler, err = labelAt(h.handler); err != nil {
			return err
		}
		if h.catchType != 0 {
			if tc.Type, err = resolver.ClassName(h.catchType); err != nil {
				return err
			}
		}
		m.TryCatch = append(m.TryCatch, tc)
	}

	// Code sub-attributes: keep line numbers as pseudo instructions, skip
	// the rest (StackMapTable, LocalVariableTable).
	attrs, err := parseAttrs(r, resolver.p)
	if err != nil {
		return err
	}
	for _, a := range attrs {
		if a.name != "LineNumberTable" || len(a.data) < 2 {
			continue
		}
		n := int(binary.BigEndian.Uint16(a.data))
		for i := 0; i < n && 2+4*i+4 <= len(a.data); i++ {
			pc := int(binary.BigEndian.Uint16(a.data[2+4*i:]))
			line := int(binary.BigEndian.Uint16(a.data[2+4*i+2:]))
			anchor, ok := atOffset[pc]
			if !ok {
				continue
			}
			mark := bytecode.NewLine(line)
			if anchor.IsLabel() {
				list.InsertAfter(anchor, mark)
			} else {
				list.InsertBefore(anchor, mark)
			}
		}
	}
	return nil
}

func parseBootstrapAttr(data []byte) ([]rawBootstrap, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("classfile: BootstrapMethods too short")
	}
	n := int(binary.BigEndian.Uint16(data))
	pos := 2
	out := make([]rawBootstrap, 0, n)
	for i := 0; i < n; i++ {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("classfile: BootstrapMethods truncated at entry %d", i)
		}
		bm := rawBootstrap{methodRef: binary.BigEndian.Uint16(data[pos:])}
		argc := int(binary.BigEndian.Uint16(data[pos+2:]))
		pos += 4
		for j := 0; j < argc; j++ {
			if pos+2 > len(data) {
				return nil, fmt.Errorf("classfile: BootstrapMethods truncated at arg %d of entry %d", j, i)
			}
			bm.args = append(bm.args, binary.BigEndian.Uint16(data[pos:]))
			pos += 2
		}
		out = append(out, bm)
	}
	return out, nil
}
