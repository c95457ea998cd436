package selector

import (
	"fmt"
	"strconv"
	"strings"
)

// MatchGrade ranks how a candidate matched: not at all, by name only
// (permissive), or by name and descriptor (exact).
type MatchGrade uint8

const (
	MatchNone MatchGrade = iota
	MatchPermissive
	MatchExact
)

// TargetSelector is an immutable matcher over element nodes. Validate must
// be called before the selector is evaluated; selectors never mutate the
// structures they are matched against.
type TargetSelector interface {
	// Validate checks the selector for well-formedness and returns a
	// descriptive error for malformed input.
	Validate() error
	// Match grades one candidate.
	Match(node ElementNode) MatchGrade
	// Ordinal returns the zero-based occurrence to keep, or -1 for all.
	Ordinal() int
	// MinMatchCount and MaxMatchCount bound how many matches the engine
	// accepts after scanning.
	MinMatchCount() int
	MaxMatchCount() int
	// Next returns the selector for the next nesting level (for example a
	// lambda body inside the matched method), or nil when exhausted.
	Next() TargetSelector
	fmt.Stringer
}

// MemberSelector matches members by owner/name/descriptor coordinates.
// Empty coordinates match anything. The zero ordinal of -1 keeps all
// occurrences.
type MemberSelector struct {
	Input string // original pattern, for diagnostics

	Owner string // internal class name, "" = any
	Name  string // "" = any
	Desc  string // field descriptor or method descriptor, "" = any

	Ord           int  // -1 = all
	Min, Max      int  // required match count bounds; Max 0 = unbounded
	CaseSensitive bool // name comparison mode
	Permissive    bool // allow the descriptor-relaxed fallback pass

	next *MemberSelector
}

// Parse builds a member selector from its pattern form:
//
//	[Lowner;]name[:fieldDesc | (args)ret][quantifier]
//
// The owner may also be given dotted (owner/path.name). The quantifier is
// one of `*` (any count), `+` (at least one), `{n}`, `{n,}` or `{n,m}`;
// without one the selector requires exactly one match. A `*` name matches
// any member name.
func Parse(input string) (*MemberSelector, error) {
	sel := &MemberSelector{Input: input, Ord: -1, Min: 1, Max: 1, CaseSensitive: true}
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, fmt.Errorf("selector: empty pattern")
	}

	// Quantifier suffix. A trailing `*` is a quantifier only when it is
	// not the entire pattern (a bare `*` is the any-name wildcard).
	if i := strings.LastIndexByte(s, '{'); i >= 0 && strings.HasSuffix(s, "}") {
		if err := sel.parseQuantifier(s[i+1 : len(s)-1]); err != nil {
			return nil, err
		}
		s = s[:i]
	} else if strings.HasSuffix(s, "+") {
		sel.Min, sel.Max = 1, 0
		s = s[:len(s)-1]
	} else if strings.HasSuffix(s, "*") && len(s) > 1 {
		sel.Min, sel.Max = 0, 0
		s = s[:len(s)-1]
	}

	// Owner prefix: Lpath/Owner; or path/Owner. (dotted only when the dot
	// follows a slash-qualified prefix).
	if strings.HasPrefix(s, "L") {
		end := strings.IndexByte(s, ';')
		if end < 0 {
			return nil, fmt.Errorf("selector: unterminated owner in %q", input)
		}
		sel.Owner = s[1:end]
		s = s[end+1:]
	} else if dot := strings.IndexByte(s, '.'); dot > 0 && strings.Contains(s[:dot], "/") {
		sel.Owner = s[:dot]
		s = s[dot+1:]
	}

	// Descriptor suffix.
	if i := strings.IndexByte(s, '('); i >= 0 {
		sel.Name = s[:i]
		sel.Desc = s[i:]
	} else if i := strings.IndexByte(s, ':'); i >= 0 {
		sel.Name = s[:i]
		sel.Desc = s[i+1:]
	} else {
		sel.Name = s
	}
	if sel.Name == "*" {
		sel.Name = ""
	}
	return sel, nil
}

// MustParse is Parse for compile-time-constant patterns; it panics on
// malformed input.
func MustParse(input string) *MemberSelector {
	sel, err := Parse(input)
	if err != nil {
		panic(err)
	}
	if err := sel.Validate(); err != nil {
		panic(err)
	}
	return sel
}

func (m *MemberSelector) parseQuantifier(q string) error {
	parts := strings.SplitN(q, ",", 2)
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n < 0 {
		return fmt.Errorf("selector: invalid quantifier {%s} in %q", q, m.Input)
	}
	m.Min = n
	if len(parts) == 1 {
		m.Max = n
		return nil
	}
	upper := strings.TrimSpace(parts[1])
	if upper == "" {
		m.Max = 0 // unbounded
		return nil
	}
	x, err := strconv.Atoi(upper)
	if err != nil || x < n {
		return fmt.Errorf("selector: invalid quantifier {%s} in %q", q, m.Input)
	}
	m.Max = x
	return nil
}

// Validate checks the parsed selector for internal consistency.
func (m *MemberSelector) Validate() error {
	if m.Name == "" && m.Desc == "" && m.Owner == "" {
		return fmt.Errorf("selector: pattern %q selects nothing: name, descriptor or owner required", m.Input)
	}
	if m.Max != 0 && m.Min > m.Max {
		return fmt.Errorf("selector: pattern %q requires between %d and %d matches", m.Input, m.Min, m.Max)
	}
	if m.Desc != "" && strings.HasPrefix(m.Desc, "(") && !strings.Contains(m.Desc, ")") {
		return fmt.Errorf("selector: pattern %q has an unterminated method descriptor", m.Input)
	}
	if m.Ord < -1 {
		return fmt.Errorf("selector: pattern %q has a negative ordinal", m.Input)
	}
	return nil
}

// WithOrdinal returns a copy narrowed to the k-th occurrence.
func (m *MemberSelector) WithOrdinal(ord int) *MemberSelector {
	dup := *m
	dup.Ord = ord
	return &dup
}

// WithNext returns a copy chaining a nested selector.
func (m *MemberSelector) WithNext(next *MemberSelector) *MemberSelector {
	dup := *m
	dup.next = next
	return &dup
}

// Match grades one candidate element.
func (m *MemberSelector) Match(node ElementNode) MatchGrade {
	if m.Owner != "" && node.Owner != m.Owner {
		return MatchNone
	}
	if m.Name != "" {
		if m.CaseSensitive {
			if node.Name != m.Name {
				return MatchNone
			}
		} else if !strings.EqualFold(node.Name, m.Name) {
			return MatchNone
		}
	}
	if m.Desc == "" || node.Desc == m.Desc {
		return MatchExact
	}
	if m.Permissive {
		return MatchPermissive
	}
	return MatchNone
}

// Ordinal implements TargetSelector.
func (m *MemberSelector) Ordinal() int { return m.Ord }

// MinMatchCount implements TargetSelector.
func (m *MemberSelector) MinMatchCount() int { return m.Min }

// MaxMatchCount implements TargetSelector. Zero means unbounded.
func (m *MemberSelector) MaxMatchCount() int { return m.Max }

// Next implements TargetSelector.
func (m *MemberSelector) Next() TargetSelector {
	if m.next == nil {
		return nil
	}
	return m.next
}

// String renders the selector for diagnostics.
func (m *MemberSelector) String() string {
	if m.Input != "" {
		return m.Input
	}
	var sb strings.Builder
	if m.Owner != "" {
		sb.WriteByte('L')
		sb.WriteString(m.Owner)
		sb.WriteByte(';')
	}
	if m.Name == "" {
		sb.WriteByte('*')
	} else {
		sb.WriteString(m.Name)
	}
	if m.Desc != "" {
		if !strings.HasPrefix(m.Desc, "(") {
			sb.WriteByte(':')
		}
		sb.WriteString(m.Desc)
	}
	return sb.String()
}
