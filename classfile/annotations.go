package classfile

import (
	"encoding/binary"
	"fmt"

	"github.com/softweave/weft/bytecode"
)

// parseAnnotations decodes a RuntimeVisibleAnnotations or
// RuntimeInvisibleAnnotations attribute body.
func parseAnnotations(data []byte, p *pool) ([]*AnnotationNode, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("classfile: annotations attribute too short")
	}
	count := int(binary.BigEndian.Uint16(data))
	pos := 2
	anns := make([]*AnnotationNode, 0, count)
	for i := 0; i < count; i++ {
		a, n, err := parseAnnotation(data, pos, p)
		if err != nil {
			return nil, err
		}
		anns = append(anns, a)
		pos += n
	}
	return anns, nil
}

func parseAnnotation(data []byte, pos int, p *pool) (*AnnotationNode, int, error) {
	start := pos
	if pos+4 > len(data) {
		return nil, 0, fmt.Errorf("classfile: truncated annotation")
	}
	desc, err := p.Utf8(binary.BigEndian.Uint16(data[pos:]))
	if err != nil {
		return nil, 0, err
	}
	pairs := int(binary.BigEndian.Uint16(data[pos+2:]))
	pos += 4
	a := &AnnotationNode{Desc: desc}
	for i := 0; i < pairs; i++ {
		if pos+2 > len(data) {
			return nil, 0, fmt.Errorf("classfile: truncated annotation pair in %s", desc)
		}
		name, err := p.Utf8(binary.BigEndian.Uint16(data[pos:]))
		if err != nil {
			return nil, 0, err
		}
		pos += 2
		v, n, err := parseElementValue(data, pos, p)
		if err != nil {
			return nil, 0, err
		}
		v.Name = name
		a.Values = append(a.Values, v)
		pos += n
	}
	return a, pos - start, nil
}

func parseElementValue(data []byte, pos int, p *pool) (ElementValue, int, error) {
	start := pos
	if pos >= len(data) {
		return ElementValue{}, 0, fmt.Errorf("classfile: truncated element value")
	}
	tag := data[pos]
	pos++
	v := ElementValue{Tag: tag}
	u16at := func(off int) (uint16, error) {
		if off+2 > len(data) {
			return 0, fmt.Errorf("classfile: truncated element value payload")
		}
		return binary.BigEndian.Uint16(data[off:]), nil
	}
	switch tag {
	case 'B', 'C', 'I', 'S', 'Z', 'D', 'F', 'J':
		idx, err := u16at(pos)
		if err != nil {
			return v, 0, err
		}
		c, err := p.Loadable(idx)
		if err != nil {
			return v, 0, err
		}
		v.Kind = ElementConst
		v.Const = c
		pos += 2
	case 's':
		idx, err := u16at(pos)
		if err != nil {
			return v, 0, err
		}
		s, err := p.Utf8(idx)
		if err != nil {
			return v, 0, err
		}
		v.Kind = ElementString
		v.Str = s
		pos += 2
	case 'e':
		tIdx, err := u16at(pos)
		if err != nil {
			return v, 0, err
		}
		nIdx, err := u16at(pos + 2)
		if err != nil {
			return v, 0, err
		}
		if v.Enum[0], err = p.Utf8(tIdx); err != nil {
			return v, 0, err
		}
		if v.Enum[1], err = p.Utf8(nIdx); err != nil {
			return v, 0, err
		}
		v.Kind = ElementEnum
		pos += 4
	case 'c':
		idx, err := u16at(pos)
		if err != nil {
			return v, 0, err
		}
		s, err := p.Utf8(idx)
		if err != nil {
			return v, 0, err
		}
		v.Kind = ElementClass
		v.Str = s
		pos += 2
	case '@':
		nested, n, err := parseAnnotation(data, pos, p)
		if err != nil {
			return v, 0, err
		}
		v.Kind = ElementAnnotation
		v.Nested = nested
		pos += n
	case '[':
		count, err := u16at(pos)
		if err != nil {
			return v, 0, err
		}
		pos += 2
		v.Kind = ElementArray
		for i := 0; i < int(count); i++ {
			member, n, err := parseElementValue(data, pos, p)
			if err != nil {
				return v, 0, err
			}
			v.Array = append(v.Array, member)
			pos += n
		}
	default:
		return v, 0, fmt.Errorf("classfile: unknown element value tag %q", tag)
	}
	return v, pos - start, nil
}

// encodeAnnotations produces an annotations attribute body.
func encodeAnnotations(anns []*AnnotationNode, b *PoolBuilder) []byte {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(anns)))
	for _, a := range anns {
		body = encodeAnnotation(body, a, b)
	}
	return body
}

func encodeAnnotation(body []byte, a *AnnotationNode, b *PoolBuilder) []byte {
	body = binary.BigEndian.AppendUint16(body, b.Utf8(a.Desc))
	body = binary.BigEndian.AppendUint16(body, uint16(len(a.Values)))
	for i := range a.Values {
		body = binary.BigEndian.AppendUint16(body, b.Utf8(a.Values[i].Name))
		body = encodeElementValue(body, &a.Values[i], b)
	}
	return body
}

// elementTag derives the element_value tag from the value's kind. Const
// values keep their parsed tag when present; values synthesized in code
// fall back to the constant kind so Tag never needs to be set by hand.
func elementTag(v *ElementValue) byte {
	switch v.Kind {
	case ElementString:
		return 's'
	case ElementEnum:
		return 'e'
	case ElementClass:
		return 'c'
	case ElementAnnotation:
		return '@'
	case ElementArray:
		return '['
	}
	if v.Tag != 0 {
		return v.Tag
	}
	switch v.Const.Kind {
	case bytecode.ConstLong:
		return 'J'
	case bytecode.ConstFloat:
		return 'F'
	case bytecode.ConstDouble:
		return 'D'
	default:
		return 'I'
	}
}

func encodeElementValue(body []byte, v *ElementValue, b *PoolBuilder) []byte {
	body = append(body, elementTag(v))
	switch v.Kind {
	case ElementConst:
		body = binary.BigEndian.AppendUint16(body, b.Const(v.Const))
	case ElementString:
		body = binary.BigEndian.AppendUint16(body, b.Utf8(v.Str))
	case ElementEnum:
		body = binary.BigEndian.AppendUint16(body, b.Utf8(v.Enum[0]))
		body = binary.BigEndian.AppendUint16(body, b.Utf8(v.Enum[1]))
	case ElementClass:
		body = binary.BigEndian.AppendUint16(body, b.Utf8(v.Str))
	case ElementAnnotation:
		body = encodeAnnotation(body, v.Nested, b)
	case ElementArray:
		body = binary.BigEndian.AppendUint16(body, uint16(len(v.Array)))
		for i := range v.Array {
			body = encodeElementValue(body, &v.Array[i], b)
		}
	}
	return body
}

// NewStringValue builds a string element value, used when synthesizing
// bookkeeping annotations on merged members.
func NewStringValue(name, s string) ElementValue {
	return ElementValue{Name: name, Kind: ElementString, Tag: 's', Str: s}
}

// NewBoolValue builds a boolean element value.
func NewBoolValue(name string, v bool) ElementValue {
	c := bytecode.ConstValue{Kind: bytecode.ConstInt}
	if v {
		c.Int = 1
	}
	return ElementValue{Name: name, Kind: ElementConst, Tag: 'Z', Const: c}
}
