package classfile

import (
	"encoding/binary"
	"fmt"

	"github.com/softweave/weft/bytecode"
)

// Write encodes the class tree back to the compiled binary format. The
// constant pool is rebuilt from scratch, so every symbolic reference in
// the tree gets a fresh, consistent index regardless of how the tree was
// mutated. The pool is emitted after the body has been laid out, the same
// order of operations the classfile requires the pool to be complete for.
func Write(cn *ClassNode) ([]byte, error) {
	b := NewPoolBuilder()
	var body []byte

	body = binary.BigEndian.AppendUint16(body, cn.Access)
	body = binary.BigEndian.AppendUint16(body, b.Class(cn.Name))
	if cn.SuperName == "" {
		body = binary.BigEndian.AppendUint16(body, 0)
	} else {
		body = binary.BigEndian.AppendUint16(body, b.Class(cn.SuperName))
	}

	body = binary.BigEndian.AppendUint16(body, uint16(len(cn.Interfaces)))
	for _, itf := range cn.Interfaces {
		body = binary.BigEndian.AppendUint16(body, b.Class(itf))
	}

	body = binary.BigEndian.AppendUint16(body, uint16(len(cn.Fields)))
	for _, f := range cn.Fields {
		body = writeField(body, f, b)
	}

	body = binary.BigEndian.AppendUint16(body, uint16(len(cn.Methods)))
	for _, m := range cn.Methods {
		mb, err := writeMethod(m, b)
		if err != nil {
			return nil, fmt.Errorf("classfile: writing %s.%s%s: %w", cn.Name, m.Name, m.Desc, err)
		}
		body = append(body, mb...)
	}

	var classAttrs [][]byte
	if cn.Signature != "" {
		classAttrs = append(classAttrs, attr(b, "Signature", u16bytes(b.Utf8(cn.Signature))))
	}
	if cn.SourceFile != "" {
		classAttrs = append(classAttrs, attr(b, "SourceFile", u16bytes(b.Utf8(cn.SourceFile))))
	}
	if len(cn.VisibleAnnotations) > 0 {
		classAttrs = append(classAttrs, attr(b, "RuntimeVisibleAnnotations", encodeAnnotations(cn.VisibleAnnotations, b)))
	}
	if len(cn.InvisibleAnnotations) > 0 {
		classAttrs = append(classAttrs, attr(b, "RuntimeInvisibleAnnotations", encodeAnnotations(cn.InvisibleAnnotations, b)))
	}
	// BootstrapMethods must come last: encoding any attribute above may
	// intern call sites.
	if b.HasBootstraps() {
		classAttrs = append(classAttrs, attr(b, "BootstrapMethods", b.bootstrapAttr()))
	}
	body = binary.BigEndian.AppendUint16(body, uint16(len(classAttrs)))
	for _, a := range classAttrs {
		body = append(body, a...)
	}

	out := binary.BigEndian.AppendUint32(nil, classMagic)
	out = binary.BigEndian.AppendUint16(out, cn.MinorVersion)
	out = binary.BigEndian.AppendUint16(out, cn.MajorVersion)
	out = binary.BigEndian.AppendUint16(out, b.Count())
	out = b.WriteTo(out)
	out = append(out, body...)
	return out, nil
}

func u16bytes(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

// attr wraps an attribute body with its name index and length.
func attr(b *PoolBuilder, name string, attrBody []byte) []byte {
	out := binary.BigEndian.AppendUint16(nil, b.Utf8(name))
	out = binary.BigEndian.AppendUint32(out, uint32(len(attrBody)))
	return append(out, attrBody...)
}

func writeField(body []byte, f *FieldNode, b *PoolBuilder) []byte {
	body = binary.BigEndian.AppendUint16(body, f.Access)
	body = binary.BigEndian.AppendUint16(body, b.Utf8(f.Name))
	body = binary.BigEndian.AppendUint16(body, b.Utf8(f.Desc))

	var attrs [][]byte
	if f.Value != nil {
		attrs = append(attrs, attr(b, "ConstantValue", u16bytes(b.Const(*f.Value))))
	}
	if f.Signature != "" {
		attrs = append(attrs, attr(b, "Signature", u16bytes(b.Utf8(f.Signature))))
	}
	if len(f.VisibleAnnotations) > 0 {
		attrs = append(attrs, attr(b, "RuntimeVisibleAnnotations", encodeAnnotations(f.VisibleAnnotations, b)))
	}
	if len(f.InvisibleAnnotations) > 0 {
		attrs = append(attrs, attr(b, "RuntimeInvisibleAnnotations", encodeAnnotations(f.InvisibleAnnotations, b)))
	}
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	for _, a := range attrs {
		body = append(body, a...)
	}
	return body
}

func writeMethod(m *MethodNode, b *PoolBuilder) ([]byte, error) {
	body := binary.BigEndian.AppendUint16(nil, m.Access)
	body = binary.BigEndian.AppendUint16(body, b.Utf8(m.Name))
	body = binary.BigEndian.AppendUint16(body, b.Utf8(m.Desc))

	var attrs [][]byte
	if m.Instructions != nil {
		codeAttr, err := writeCode(m, b)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr(b, "Code", codeAttr))
	}
	if len(m.Exceptions) > 0 {
		ex := binary.BigEndian.AppendUint16(nil, uint16(len(m.Exceptions)))
		for _, name := range m.Exceptions {
			ex = binary.BigEndian.AppendUint16(ex, b.Class(name))
		}
		attrs = append(attrs, attr(b, "Exceptions", ex))
	}
	if m.Signature != "" {
		attrs = append(attrs, attr(b, "Signature", u16bytes(b.Utf8(m.Signature))))
	}
	if len(m.VisibleAnnotations) > 0 {
		attrs = append(attrs, attr(b, "RuntimeVisibleAnnotations", encodeAnnotations(m.VisibleAnnotations, b)))
	}
	if len(m.InvisibleAnnotations) > 0 {
		attrs = append(attrs, attr(b, "RuntimeInvisibleAnnotations", encodeAnnotations(m.InvisibleAnnotations, b)))
	}
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	for _, a := range attrs {
		body = append(body, a...)
	}
	return body, nil
}

func writeCode(m *MethodNode, b *PoolBuilder) ([]byte, error) {
	code, lines, offsets, err := bytecode.Encode(m.Instructions, b)
	if err != nil {
		return nil, err
	}

	body := binary.BigEndian.AppendUint16(nil, uint16(m.MaxStack))
	body = binary.BigEndian.AppendUint16(body, uint16(m.MaxLocals))
	body = binary.BigEndian.AppendUint32(body, uint32(len(code)))
	body = append(body, code...)

	body = binary.BigEndian.AppendUint16(body, uint16(len(m.TryCatch)))
	for _, tc := range m.TryCatch {
		start, ok1 := offsets[tc.Start]
		end, ok2 := offsets[tc.End]
		handler, ok3 := offsets[tc.Handler]
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("exception table references a label outside the method")
		}
		body = binary.BigEndian.AppendUint16(body, uint16(start))
		body = binary.BigEndian.AppendUint16(body, uint16(end))
		body = binary.BigEndian.AppendUint16(body, uint16(handler))
		if tc.Type == "" {
			body = binary.BigEndian.AppendUint16(body, 0)
		} else {
			body = binary.BigEndian.AppendUint16(body, b.Class(tc.Type))
		}
	}

	var subAttrs [][]byte
	if len(lines) > 0 {
		lt := binary.BigEndian.AppendUint16(nil, uint16(len(lines)))
		for _, e := range lines {
			lt = binary.BigEndian.AppendUint16(lt, e.PC)
			lt = binary.BigEndian.AppendUint16(lt, e.Line)
		}
		subAttrs = append(subAttrs, attr(b, "LineNumberTable", lt))
	}
	body = binary.BigEndian.AppendUint16(body, uint16(len(subAttrs)))
	for _, a := range subAttrs {
		body = append(body, a...)
	}
	return body, nil
}
