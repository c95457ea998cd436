package injection

import (
	"fmt"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/selector"
)

// headPoint nominates the first real instruction of the scan range.
type headPoint struct{}

func newHeadPoint(PointSpec) (InjectionPoint, error) { return headPoint{}, nil }

func (headPoint) Code() string { return "HEAD" }

func (headPoint) Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool {
	found := false
	insns.Each(func(in *bytecode.Insn) bool {
		if !in.IsReal() {
			return true
		}
		*out = append(*out, in)
		found = true
		return false
	})
	return found
}

// returnPoint nominates every return instruction, before ordinal
// narrowing.
type returnPoint struct {
	ordinal int
}

func newReturnPoint(spec PointSpec) (InjectionPoint, error) {
	return returnPoint{ordinal: spec.Ordinal}, nil
}

func (returnPoint) Code() string { return "RETURN" }

func (p returnPoint) Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool {
	var found []*bytecode.Insn
	insns.Each(func(in *bytecode.Insn) bool {
		if in.IsReal() && bytecode.IsReturn(in.Op) {
			found = append(found, in)
		}
		return true
	})
	found = ordinalFilter(found, p.ordinal)
	*out = append(*out, found...)
	return len(found) > 0
}

// tailPoint nominates the final return instruction only.
type tailPoint struct{}

func newTailPoint(PointSpec) (InjectionPoint, error) { return tailPoint{}, nil }

func (tailPoint) Code() string { return "TAIL" }

func (tailPoint) Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool {
	var last *bytecode.Insn
	insns.Each(func(in *bytecode.Insn) bool {
		if in.IsReal() && bytecode.IsReturn(in.Op) {
			last = in
		}
		return true
	})
	if last == nil {
		return false
	}
	*out = append(*out, last)
	return true
}

// invokePoint nominates method invocations matching a member selector.
type invokePoint struct {
	target  *selector.MemberSelector
	ordinal int
}

func newInvokePoint(spec PointSpec) (InjectionPoint, error) {
	if spec.Target == nil {
		return nil, fmt.Errorf("injection: INVOKE requires a target selector")
	}
	return invokePoint{target: spec.Target, ordinal: spec.Ordinal}, nil
}

func (invokePoint) Code() string { return "INVOKE" }

func (p invokePoint) Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool {
	var candidates []selector.ElementNode
	insns.Each(func(in *bytecode.Insn) bool {
		if in.IsReal() && bytecode.IsInvoke(in.Op) {
			candidates = append(candidates, selector.InsnElement(in))
		}
		return true
	})
	matches := selector.Run(p.target.WithOrdinal(p.ordinal), candidates).Matches()
	for _, m := range matches {
		*out = append(*out, m.Insn)
	}
	return len(matches) > 0
}

// fieldPoint nominates field accesses matching a member selector, with an
// optional opcode filter narrowing to reads or writes.
type fieldPoint struct {
	target  *selector.MemberSelector
	opcode  int
	ordinal int
}

func newFieldPoint(spec PointSpec) (InjectionPoint, error) {
	if spec.Target == nil {
		return nil, fmt.Errorf("injection: FIELD requires a target selector")
	}
	switch spec.Opcode {
	case -1, bytecode.GETFIELD, bytecode.PUTFIELD, bytecode.GETSTATIC, bytecode.PUTSTATIC:
	default:
		return nil, fmt.Errorf("injection: FIELD opcode filter %d is not a field access", spec.Opcode)
	}
	return fieldPoint{target: spec.Target, opcode: spec.Opcode, ordinal: spec.Ordinal}, nil
}

func (fieldPoint) Code() string { return "FIELD" }

func (p fieldPoint) Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool {
	var found []*bytecode.Insn
	insns.Each(func(in *bytecode.Insn) bool {
		if !in.IsReal() || !bytecode.IsFieldAccess(in.Op) {
			return true
		}
		if p.opcode != -1 && in.Op != p.opcode {
			return true
		}
		if p.target.Match(selector.InsnElement(in)) != selector.MatchNone {
			found = append(found, in)
		}
		return true
	})
	found = ordinalFilter(found, p.ordinal)
	*out = append(*out, found...)
	return len(found) > 0
}

// newPoint nominates NEW instructions, optionally filtered to one
// instantiated type. The target selector's owner names the type.
type newPoint struct {
	typeName string
	ordinal  int
}

func newNewPoint(spec PointSpec) (InjectionPoint, error) {
	p := newPoint{ordinal: spec.Ordinal}
	if spec.Target != nil {
		p.typeName = spec.Target.Owner
		if p.typeName == "" {
			p.typeName = spec.Target.Name
		}
	}
	return p, nil
}

func (newPoint) Code() string { return "NEW" }

func (p newPoint) Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool {
	var found []*bytecode.Insn
	insns.Each(func(in *bytecode.Insn) bool {
		if in.Op != bytecode.NEW {
			return true
		}
		if p.typeName != "" && in.Type != p.typeName {
			return true
		}
		found = append(found, in)
		return true
	})
	found = ordinalFilter(found, p.ordinal)
	*out = append(*out, found...)
	return len(found) > 0
}

// constantPoint nominates constant-pushing instructions. Exactly one of
// the value filters selects which constants match; with no filter every
// constant push is nominated.
type constantPoint struct {
	intValue  *int64
	strValue  *string
	nullValue bool
	ordinal   int
}

func newConstantPoint(spec PointSpec) (InjectionPoint, error) {
	set := 0
	if spec.IntValue != nil {
		set++
	}
	if spec.StrValue != nil {
		set++
	}
	if spec.NullValue {
		set++
	}
	if set > 1 {
		return nil, fmt.Errorf("injection: CONSTANT accepts at most one value filter")
	}
	return constantPoint{
		intValue:  spec.IntValue,
		strValue:  spec.StrValue,
		nullValue: spec.NullValue,
		ordinal:   spec.Ordinal,
	}, nil
}

func (constantPoint) Code() string { return "CONSTANT" }

func (p constantPoint) Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool {
	var found []*bytecode.Insn
	insns.Each(func(in *bytecode.Insn) bool {
		if !in.IsReal() {
			return true
		}
		if p.matches(in) {
			found = append(found, in)
		}
		return true
	})
	found = ordinalFilter(found, p.ordinal)
	*out = append(*out, found...)
	return len(found) > 0
}

func (p constantPoint) matches(in *bytecode.Insn) bool {
	switch {
	case p.nullValue:
		return in.Op == bytecode.ACONST_NULL
	case p.intValue != nil:
		if v, ok := pushedInt(in); ok {
			return v == *p.intValue
		}
		return false
	case p.strValue != nil:
		return in.Op == bytecode.LDC &&
			in.Const.Kind == bytecode.ConstString && in.Const.Str == *p.strValue
	default:
		if _, ok := pushedInt(in); ok {
			return true
		}
		return in.Op == bytecode.ACONST_NULL || in.Op == bytecode.LDC
	}
}

// pushedInt extracts the integer a constant-pushing instruction places on
// the stack, covering iconst_x, bipush, sipush and integer ldc forms.
func pushedInt(in *bytecode.Insn) (int64, bool) {
	switch in.Op {
	case bytecode.ICONST_M1, bytecode.ICONST_0, bytecode.ICONST_1, bytecode.ICONST_2,
		bytecode.ICONST_3, bytecode.ICONST_4, bytecode.ICONST_5:
		return int64(in.Op - bytecode.ICONST_0), true
	case bytecode.BIPUSH, bytecode.SIPUSH:
		return int64(in.Operand), true
	case bytecode.LDC:
		if in.Const.Kind == bytecode.ConstInt {
			return in.Const.Int, true
		}
	}
	return 0, false
}

// jumpPoint nominates jump instructions, optionally filtered by opcode.
type jumpPoint struct {
	opcode  int
	ordinal int
}

func newJumpPoint(spec PointSpec) (InjectionPoint, error) {
	return jumpPoint{opcode: spec.Opcode, ordinal: spec.Ordinal}, nil
}

func (jumpPoint) Code() string { return "JUMP" }

func (p jumpPoint) Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool {
	var found []*bytecode.Insn
	insns.Each(func(in *bytecode.Insn) bool {
		if !in.IsReal() {
			return true
		}
		if !bytecode.IsConditionalJump(in.Op) && in.Op != bytecode.GOTO {
			return true
		}
		if p.opcode != -1 && in.Op != p.opcode {
			return true
		}
		found = append(found, in)
		return true
	})
	found = ordinalFilter(found, p.ordinal)
	*out = append(*out, found...)
	return len(found) > 0
}
