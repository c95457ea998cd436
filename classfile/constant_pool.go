package classfile

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/softweave/weft/bytecode"
)

// Constant pool tags.
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagInvokeDynamic      = 18
)

// cpEntry is one raw constant pool entry as read from the file.
type cpEntry struct {
	tag        uint8
	idx1, idx2 uint16
	i64        int64
	f64        float64
	str        string
}

// pool is the decoded constant pool of a class being parsed. Index 0 and
// the phantom second slot of long/double entries hold tag 0.
type pool struct {
	entries []cpEntry
}

func (p *pool) at(index uint16) (*cpEntry, error) {
	if int(index) >= len(p.entries) || index == 0 {
		return nil, fmt.Errorf("classfile: constant pool index %d out of range", index)
	}
	e := &p.entries[index]
	if e.tag == 0 {
		return nil, fmt.Errorf("classfile: constant pool index %d is unusable", index)
	}
	return e, nil
}

// Utf8 resolves a CONSTANT_Utf8 entry.
func (p *pool) Utf8(index uint16) (string, error) {
	e, err := p.at(index)
	if err != nil {
		return "", err
	}
	if e.tag != TagUtf8 {
		return "", fmt.Errorf("classfile: constant %d is tag %d, want Utf8", index, e.tag)
	}
	return e.str, nil
}

// ClassName resolves a CONSTANT_Class entry to its internal name.
func (p *pool) ClassName(index uint16) (string, error) {
	e, err := p.at(index)
	if err != nil {
		return "", err
	}
	if e.tag != TagClass {
		return "", fmt.Errorf("classfile: constant %d is tag %d, want Class", index, e.tag)
	}
	return p.Utf8(e.idx1)
}

func (p *pool) nameAndType(index uint16) (name, desc string, err error) {
	e, err := p.at(index)
	if err != nil {
		return "", "", err
	}
	if e.tag != TagNameAndType {
		return "", "", fmt.Errorf("classfile: constant %d is tag %d, want NameAndType", index, e.tag)
	}
	if name, err = p.Utf8(e.idx1); err != nil {
		return "", "", err
	}
	desc, err = p.Utf8(e.idx2)
	return name, desc, err
}

// FieldRef resolves a CONSTANT_Fieldref entry.
func (p *pool) FieldRef(index uint16) (owner, name, desc string, err error) {
	e, err := p.at(index)
	if err != nil {
		return "", "", "", err
	}
	if e.tag != TagFieldref {
		return "", "", "", fmt.Errorf("classfile: constant %d is tag %d, want Fieldref", index, e.tag)
	}
	if owner, err = p.ClassName(e.idx1); err != nil {
		return "", "", "", err
	}
	name, desc, err = p.nameAndType(e.idx2)
	return owner, name, desc, err
}

// MethodRef resolves a CONSTANT_Methodref or InterfaceMethodref entry.
func (p *pool) MethodRef(index uint16) (owner, name, desc string, itf bool, err error) {
	e, err := p.at(index)
	if err != nil {
		return "", "", "", false, err
	}
	if e.tag != TagMethodref && e.tag != TagInterfaceMethodref {
		return "", "", "", false, fmt.Errorf("classfile: constant %d is tag %d, want Methodref", index, e.tag)
	}
	if owner, err = p.ClassName(e.idx1); err != nil {
		return "", "", "", false, err
	}
	name, desc, err = p.nameAndType(e.idx2)
	return owner, name, desc, e.tag == TagInterfaceMethodref, err
}

// handle resolves a CONSTANT_MethodHandle entry.
func (p *pool) handle(index uint16) (*bytecode.Handle, error) {
	e, err := p.at(index)
	if err != nil {
		return nil, err
	}
	if e.tag != TagMethodHandle {
		return nil, fmt.Errorf("classfile: constant %d is tag %d, want MethodHandle", index, e.tag)
	}
	ref, err := p.at(e.idx2)
	if err != nil {
		return nil, err
	}
	h := &bytecode.Handle{Kind: uint8(e.idx1)}
	switch ref.tag {
	case TagFieldref:
		h.Owner, h.Name, h.Desc, err = p.FieldRef(e.idx2)
	case TagMethodref, TagInterfaceMethodref:
		h.Owner, h.Name, h.Desc, h.Itf, err = p.MethodRef(e.idx2)
	default:
		return nil, fmt.Errorf("classfile: method handle %d references tag %d", index, ref.tag)
	}
	return h, err
}

// Loadable resolves any ldc-loadable constant.
func (p *pool) Loadable(index uint16) (bytecode.ConstValue, error) {
	e, err := p.at(index)
	if err != nil {
		return bytecode.ConstValue{}, err
	}
	switch e.tag {
	case TagInteger:
		return bytecode.ConstValue{Kind: bytecode.ConstInt, Int: e.i64}, nil
	case TagLong:
		return bytecode.ConstValue{Kind: bytecode.ConstLong, Int: e.i64}, nil
	case TagFloat:
		return bytecode.ConstValue{Kind: bytecode.ConstFloat, Float: e.f64}, nil
	case TagDouble:
		return bytecode.ConstValue{Kind: bytecode.ConstDouble, Float: e.f64}, nil
	case TagString:
		s, err := p.Utf8(e.idx1)
		return bytecode.ConstValue{Kind: bytecode.ConstString, Str: s}, err
	case TagClass:
		s, err := p.Utf8(e.idx1)
		return bytecode.ConstValue{Kind: bytecode.ConstClass, Str: s}, err
	case TagMethodType:
		s, err := p.Utf8(e.idx1)
		return bytecode.ConstValue{Kind: bytecode.ConstMethodType, Str: s}, err
	case TagMethodHandle:
		h, err := p.handle(index)
		return bytecode.ConstValue{Kind: bytecode.ConstMethodHandle, Handle: h}, err
	}
	return bytecode.ConstValue{}, fmt.Errorf("classfile: constant %d (tag %d) is not loadable", index, e.tag)
}

// rawBootstrap is a BootstrapMethods attribute entry before handle
// resolution.
type rawBootstrap struct {
	methodRef uint16
	args      []uint16
}

// poolResolver adapts a parsed pool plus the class's bootstrap method
// table to the bytecode decoder's view of the pool.
type poolResolver struct {
	p          *pool
	bootstraps []rawBootstrap
}

func (r *poolResolver) ClassName(index uint16) (string, error) { return r.p.ClassName(index) }
func (r *poolResolver) FieldRef(index uint16) (string, string, string, error) {
	return r.p.FieldRef(index)
}
func (r *poolResolver) MethodRef(index uint16) (string, string, string, bool, error) {
	return r.p.MethodRef(index)
}
func (r *poolResolver) Loadable(index uint16) (bytecode.ConstValue, error) {
	return r.p.Loadable(index)
}

func (r *poolResolver) InvokeDynamic(index uint16) (string, string, *bytecode.Handle, []bytecode.ConstValue, error) {
	e, err := r.p.at(index)
	if err != nil {
		return "", "", nil, nil, err
	}
	if e.tag != TagInvokeDynamic {
		return "", "", nil, nil, fmt.Errorf("classfile: constant %d is tag %d, want InvokeDynamic", index, e.tag)
	}
	name, desc, err := r.p.nameAndType(e.idx2)
	if err != nil {
		return "", "", nil, nil, err
	}
	if int(e.idx1) >= len(r.bootstraps) {
		return "", "", nil, nil, fmt.Errorf("classfile: bootstrap method index %d out of range", e.idx1)
	}
	bm := r.bootstraps[e.idx1]
	handle, err := r.p.handle(bm.methodRef)
	if err != nil {
		return "", "", nil, nil, err
	}
	args := make([]bytecode.ConstValue, len(bm.args))
	for i, a := range bm.args {
		if args[i], err = r.p.Loadable(a); err != nil {
			return "", "", nil, nil, err
		}
	}
	return name, desc, handle, args, nil
}

// PoolBuilder interns constants for the writer and implements
// bytecode.ConstBuilder. Entry 0 is reserved; long and double entries
// consume the following slot as the format requires.
type PoolBuilder struct {
	entries []cpEntry
	index   map[string]uint16

	bootstraps []builtBootstrap
	bsIndex    map[string]uint16
}

type builtBootstrap struct {
	methodRef uint16
	args      []uint16
}

// NewPoolBuilder creates an empty builder.
func NewPoolBuilder() *PoolBuilder {
	return &PoolBuilder{
		entries: make([]cpEntry, 1), // reserved slot 0
		index:   make(map[string]uint16),
		bsIndex: make(map[string]uint16),
	}
}

func (b *PoolBuilder) intern(key string, e cpEntry, wide bool) uint16 {
	if idx, ok := b.index[key]; ok {
		return idx
	}
	idx := uint16(len(b.entries))
	b.entries = append(b.entries, e)
	if wide {
		b.entries = append(b.entries, cpEntry{})
	}
	b.index[key] = idx
	return idx
}

// Utf8 interns a CONSTANT_Utf8 entry.
func (b *PoolBuilder) Utf8(s string) uint16 {
	return b.intern("u\x00"+s, cpEntry{tag: TagUtf8, str: s}, false)
}

// Class interns a CONSTANT_Class entry.
func (b *PoolBuilder) Class(name string) uint16 {
	nameIdx := b.Utf8(name)
	return b.intern("c\x00"+name, cpEntry{tag: TagClass, idx1: nameIdx}, false)
}

// str interns a CONSTANT_String entry.
func (b *PoolBuilder) str(s string) uint16 {
	idx := b.Utf8(s)
	return b.intern("s\x00"+s, cpEntry{tag: TagString, idx1: idx}, false)
}

func (b *PoolBuilder) nameAndType(name, desc string) uint16 {
	n := b.Utf8(name)
	d := b.Utf8(desc)
	return b.intern("n\x00"+name+"\x00"+desc, cpEntry{tag: TagNameAndType, idx1: n, idx2: d}, false)
}

// Field interns a CONSTANT_Fieldref entry.
func (b *PoolBuilder) Field(owner, name, desc string) uint16 {
	c := b.Class(owner)
	nt := b.nameAndType(name, desc)
	return b.intern("f\x00"+owner+"\x00"+name+"\x00"+desc, cpEntry{tag: TagFieldref, idx1: c, idx2: nt}, false)
}

// Method interns a CONSTANT_Methodref or InterfaceMethodref entry.
func (b *PoolBuilder) Method(owner, name, desc string, itf bool) uint16 {
	c := b.Class(owner)
	nt := b.nameAndType(name, desc)
	tag := uint8(TagMethodref)
	key := "m\x00"
	if itf {
		tag = TagInterfaceMethodref
		key = "i\x00"
	}
	return b.intern(key+owner+"\x00"+name+"\x00"+desc, cpEntry{tag: tag, idx1: c, idx2: nt}, false)
}

// handle interns a CONSTANT_MethodHandle entry.
func (b *PoolBuilder) handle(h *bytecode.Handle) uint16 {
	var ref uint16
	if h.Kind >= 1 && h.Kind <= 4 {
		ref = b.Field(h.Owner, h.Name, h.Desc)
	} else {
		ref = b.Method(h.Owner, h.Name, h.Desc, h.Itf)
	}
	key := fmt.Sprintf("h\x00%d\x00%s\x00%s\x00%s\x00%t", h.Kind, h.Owner, h.Name, h.Desc, h.Itf)
	return b.intern(key, cpEntry{tag: TagMethodHandle, idx1: uint16(h.Kind), idx2: ref}, false)
}

// Const interns any loadable constant.
func (b *PoolBuilder) Const(v bytecode.ConstValue) uint16 {
	switch v.Kind {
	case bytecode.ConstInt:
		return b.intern(fmt.Sprintf("I\x00%d", int32(v.Int)), cpEntry{tag: TagInteger, i64: v.Int}, false)
	case bytecode.ConstLong:
		return b.intern(fmt.Sprintf("J\x00%d", v.Int), cpEntry{tag: TagLong, i64: v.Int}, true)
	case bytecode.ConstFloat:
		return b.intern(fmt.Sprintf("F\x00%x", math.Float32bits(float32(v.Float))), cpEntry{tag: TagFloat, f64: v.Float}, false)
	case bytecode.ConstDouble:
		return b.intern(fmt.Sprintf("D\x00%x", math.Float64bits(v.Float)), cpEntry{tag: TagDouble, f64: v.Float}, true)
	case bytecode.ConstString:
		return b.str(v.Str)
	case bytecode.ConstClass:
		return b.Class(v.Str)
	case bytecode.ConstMethodType:
		idx := b.Utf8(v.Str)
		return b.intern("t\x00"+v.Str, cpEntry{tag: TagMethodType, idx1: idx}, false)
	case bytecode.ConstMethodHandle:
		return b.handle(v.Handle)
	}
	panic(fmt.Sprintf("classfile: unhandled constant kind %d", v.Kind))
}

// InvokeDynamic interns a call site and its bootstrap method entry.
func (b *PoolBuilder) InvokeDynamic(name, desc string, bootstrap *bytecode.Handle, args []bytecode.ConstValue) uint16 {
	href := b.handle(bootstrap)
	argIdx := make([]uint16, len(args))
	bsKey := fmt.Sprintf("b\x00%d", href)
	for i, a := range args {
		argIdx[i] = b.Const(a)
		bsKey += fmt.Sprintf("\x00%d", argIdx[i])
	}
	bs, ok := b.bsIndex[bsKey]
	if !ok {
		bs = uint16(len(b.bootstraps))
		b.bootstraps = append(b.bootstraps, builtBootstrap{methodRef: href, args: argIdx})
		b.bsIndex[bsKey] = bs
	}
	nt := b.nameAndType(name, desc)
	key := fmt.Sprintf("d\x00%d\x00%d", bs, nt)
	return b.intern(key, cpEntry{tag: TagInvokeDynamic, idx1: bs, idx2: nt}, false)
}

// HasBootstraps reports whether a BootstrapMethods attribute is needed.
func (b *PoolBuilder) HasBootstraps() bool { return len(b.bootstraps) > 0 }

// Count returns the constant_pool_count value (entries plus reserved slot).
func (b *PoolBuilder) Count() uint16 { return uint16(len(b.entries)) }

// WriteTo appends the encoded pool entries (without the count) to buf.
func (b *PoolBuilder) WriteTo(buf []byte) []byte {
	for i := 1; i < len(b.entries); i++ {
		e := b.entries[i]
		if e.tag == 0 {
			continue // phantom slot after long/double
		}
		buf = append(buf, e.tag)
		switch e.tag {
		case TagUtf8:
			enc := encodeModifiedUTF8(e.str)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(enc)))
			buf = append(buf, enc...)
		case TagInteger:
			buf = binary.BigEndian.AppendUint32(buf, uint32(int32(e.i64)))
		case TagFloat:
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(e.f64)))
		case TagLong:
			buf = binary.BigEndian.AppendUint64(buf, uint64(e.i64))
		case TagDouble:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(e.f64))
		case TagClass, TagString, TagMethodType:
			buf = binary.BigEndian.AppendUint16(buf, e.idx1)
		case TagMethodHandle:
			buf = append(buf, byte(e.idx1))
			buf = binary.BigEndian.AppendUint16(buf, e.idx2)
		default:
			buf = binary.BigEndian.AppendUint16(buf, e.idx1)
			buf = binary.BigEndian.AppendUint16(buf, e.idx2)
		}
	}
	return buf
}

// bootstrapAttr encodes the BootstrapMethods attribute body.
func (b *PoolBuilder) bootstrapAttr() []byte {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(b.bootstraps)))
	for _, bs := range b.bootstraps {
		body = binary.BigEndian.AppendUint16(body, bs.methodRef)
		body = binary.BigEndian.AppendUint16(body, uint16(len(bs.args)))
		for _, a := range bs.args {
			body = binary.BigEndian.AppendUint16(body, a)
		}
	}
	return body
}
