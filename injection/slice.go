package injection

import (
	"fmt"

	"github.com/softweave/weft/bytecode"
)

// Slice is a named sub-range of a method body. Its boundary points are
// resolved against the full body in a separate pass before any
// slice-scoped resolver runs; either boundary may be nil, meaning the
// corresponding end of the method.
type Slice struct {
	ID   string
	From InjectionPoint
	To   InjectionPoint
}

// Resolve locates the slice's boundary instructions inside view. A
// boundary point must nominate at least one instruction; the first
// nomination wins. The resolved range must be non-inverted.
func (s *Slice) Resolve(view *bytecode.ListView) (*bytecode.SliceView, error) {
	whole := view.Slice(nil, nil)
	from, to := view.First(), view.Last()
	if s.From != nil {
		in, err := s.boundary(s.From, whole, "from")
		if err != nil {
			return nil, err
		}
		from = in
	}
	if s.To != nil {
		in, err := s.boundary(s.To, whole, "to")
		if err != nil {
			return nil, err
		}
		to = in
	}
	if view.IndexOf(from) > view.IndexOf(to) {
		return nil, fmt.Errorf("injection: slice %q is inverted: from follows to", s.ID)
	}
	return view.Slice(from, to), nil
}

func (s *Slice) boundary(pt InjectionPoint, scan *bytecode.SliceView, which string) (*bytecode.Insn, error) {
	var found []*bytecode.Insn
	if !pt.Find("", scan, &found) {
		return nil, fmt.Errorf("injection: slice %q %s boundary %s matched nothing", s.ID, which, pt.Code())
	}
	return found[0], nil
}
