package injection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/selector"
)

// InjectionPoint scans a read-only instruction range exactly once and
// appends matching instructions to out, reporting whether any were found.
// Resolvers are pure structural matchers: they consult only their
// configured parameters and the instructions themselves.
type InjectionPoint interface {
	// Code returns the declarative code this resolver answers to, for
	// example "INVOKE".
	Code() string
	Find(desc string, insns *bytecode.SliceView, out *[]*bytecode.Insn) bool
}

// PointSpec carries the declarative parameters an injection point is
// configured with. Not every resolver uses every field.
type PointSpec struct {
	Code    string
	Target  *selector.MemberSelector // INVOKE, FIELD, NEW
	Ordinal int                      // -1 = all occurrences
	Opcode  int                      // -1 = any; FIELD and JUMP filter

	// CONSTANT matching. At most one may be set.
	IntValue  *int64
	StrValue  *string
	NullValue bool

	Slice string // named slice scoping the scan, "" = whole body
}

// Constructor builds a resolver from its declarative parameters.
type Constructor func(spec PointSpec) (InjectionPoint, error)

var (
	pointsMu sync.RWMutex
	points   = map[string]Constructor{}
)

// RegisterPoint makes a resolver constructor available under code.
// Registering a duplicate code panics; the built-in codes are claimed at
// package init.
func RegisterPoint(code string, ctor Constructor) {
	pointsMu.Lock()
	defer pointsMu.Unlock()
	if _, dup := points[code]; dup {
		panic(fmt.Sprintf("injection: point %q registered twice", code))
	}
	points[code] = ctor
}

// NewPoint builds the resolver named by spec.Code.
func NewPoint(spec PointSpec) (InjectionPoint, error) {
	pointsMu.RLock()
	ctor, ok := points[spec.Code]
	pointsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("injection: unknown injection point %q (have %v)", spec.Code, RegisteredPoints())
	}
	return ctor(spec)
}

// RegisteredPoints lists the known codes, sorted.
func RegisteredPoints() []string {
	pointsMu.RLock()
	defer pointsMu.RUnlock()
	codes := make([]string, 0, len(points))
	for code := range points {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func init() {
	RegisterPoint("HEAD", newHeadPoint)
	RegisterPoint("RETURN", newReturnPoint)
	RegisterPoint("TAIL", newTailPoint)
	RegisterPoint("INVOKE", newInvokePoint)
	RegisterPoint("FIELD", newFieldPoint)
	RegisterPoint("NEW", newNewPoint)
	RegisterPoint("CONSTANT", newConstantPoint)
	RegisterPoint("JUMP", newJumpPoint)
}

// Nominate runs every point against the target, resolving named slices
// first, and folds the results into one deduplicated node set annotated
// with the nominating codes.
func Nominate(t *Target, pts []InjectionPoint, slices map[string]*Slice, specs []PointSpec) (*NodeSet, error) {
	if len(pts) != len(specs) {
		return nil, fmt.Errorf("injection: %d points for %d specs", len(pts), len(specs))
	}
	set := NewNodeSet()
	view := t.View()
	for i, pt := range pts {
		scan := view.Slice(nil, nil)
		name := specs[i].Slice
		if sl, ok := slices[name]; ok {
			var err error
			scan, err = sl.Resolve(view)
			if err != nil {
				return nil, err
			}
		} else if name != "" {
			return nil, fmt.Errorf("injection: %s names undefined slice %q", pt.Code(), name)
		}
		var found []*bytecode.Insn
		pt.Find(t.Method.Desc, scan, &found)
		for _, in := range found {
			set.Add(in, pt.Code())
		}
	}
	return set, nil
}

// ordinalFilter narrows matched instructions to the k-th occurrence in
// forward scan order; ord -1 keeps all, ord beyond the match count keeps
// none.
func ordinalFilter(found []*bytecode.Insn, ord int) []*bytecode.Insn {
	if ord < 0 {
		return found
	}
	if ord >= len(found) {
		return nil
	}
	return found[ord : ord+1]
}
