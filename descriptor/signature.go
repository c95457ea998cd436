package descriptor

import (
	"fmt"
	"strings"
)

// TypeParam is one formal type parameter of a generic class signature.
// Bounds are kept as raw type signature tokens.
type TypeParam struct {
	Name            string
	ClassBound      string
	InterfaceBounds []string
}

// ClassSignature is a parsed generic class signature: formal type
// parameters, the superclass token and implemented interface tokens.
type ClassSignature struct {
	Params     []TypeParam
	Superclass string
	Interfaces []string
}

// ParseClassSignature parses a Signature attribute value of a class.
func ParseClassSignature(sig string) (*ClassSignature, error) {
	cs := &ClassSignature{}
	i := 0
	if i < len(sig) && sig[i] == '<' {
		i++
		for i < len(sig) && sig[i] != '>' {
			p, n, err := readTypeParam(sig, i)
			if err != nil {
				return nil, err
			}
			cs.Params = append(cs.Params, p)
			i += n
		}
		if i >= len(sig) {
			return nil, fmt.Errorf("descriptor: unterminated type parameters in %q", sig)
		}
		i++ // '>'
	}
	super, n, err := readTypeSignature(sig, i)
	if err != nil {
		return nil, fmt.Errorf("descriptor: bad superclass in %q: %w", sig, err)
	}
	cs.Superclass = super
	i += n
	for i < len(sig) {
		itf, n, err := readTypeSignature(sig, i)
		if err != nil {
			return nil, fmt.Errorf("descriptor: bad interface in %q: %w", sig, err)
		}
		cs.Interfaces = append(cs.Interfaces, itf)
		i += n
	}
	return cs, nil
}

func readTypeParam(sig string, i int) (TypeParam, int, error) {
	start := i
	colon := strings.IndexByte(sig[i:], ':')
	if colon <= 0 {
		return TypeParam{}, 0, fmt.Errorf("descriptor: malformed type parameter in %q", sig)
	}
	p := TypeParam{Name: sig[i : i+colon]}
	i += colon + 1
	// Class bound may be empty (interface-only bounds).
	if i < len(sig) && sig[i] != ':' {
		bound, n, err := readTypeSignature(sig, i)
		if err != nil {
			return TypeParam{}, 0, err
		}
		p.ClassBound = bound
		i += n
	}
	for i < len(sig) && sig[i] == ':' {
		i++
		bound, n, err := readTypeSignature(sig, i)
		if err != nil {
			return TypeParam{}, 0, err
		}
		p.InterfaceBounds = append(p.InterfaceBounds, bound)
		i += n
	}
	return p, i - start, nil
}

// readTypeSignature reads one type signature token, tracking nested angle
// brackets inside parameterized class types.
func readTypeSignature(sig string, i int) (string, int, error) {
	start := i
	for i < len(sig) && sig[i] == '[' {
		i++
	}
	if i >= len(sig) {
		return "", 0, fmt.Errorf("truncated at %d", start)
	}
	switch sig[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 'V':
		return sig[start : i+1], i + 1 - start, nil
	case 'T':
		end := strings.IndexByte(sig[i:], ';')
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated type variable at %d", start)
		}
		return sig[start : i+end+1], i + end + 1 - start, nil
	case 'L':
		depth := 0
		for ; i < len(sig); i++ {
			switch sig[i] {
			case '<':
				depth++
			case '>':
				depth--
			case ';':
				if depth == 0 {
					return sig[start : i+1], i + 1 - start, nil
				}
			}
		}
		return "", 0, fmt.Errorf("unterminated class type at %d", start)
	}
	return "", 0, fmt.Errorf("invalid signature char %q at %d", sig[i], i)
}

// String re-encodes the signature.
func (cs *ClassSignature) String() string {
	var sb strings.Builder
	if len(cs.Params) > 0 {
		sb.WriteByte('<')
		for _, p := range cs.Params {
			sb.WriteString(p.Name)
			sb.WriteByte(':')
			sb.WriteString(p.ClassBound)
			for _, b := range p.InterfaceBounds {
				sb.WriteByte(':')
				sb.WriteString(b)
			}
		}
		sb.WriteByte('>')
	}
	sb.WriteString(cs.Superclass)
	for _, itf := range cs.Interfaces {
		sb.WriteString(itf)
	}
	return sb.String()
}

// hasParam reports whether a formal parameter with the given name exists.
func (cs *ClassSignature) hasParam(name string) bool {
	for _, p := range cs.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Merge folds other into the receiver: other's interfaces are added
// without duplication and its formal type parameters are appended, renamed
// first when their names collide with existing parameters so the merged
// signature never declares the same formal twice.
func (cs *ClassSignature) Merge(other *ClassSignature) {
	renames := make(map[string]string)
	for _, p := range other.Params {
		name := p.Name
		if cs.hasParam(name) {
			fresh := name
			for n := 2; cs.hasParam(fresh) || other.hasParam(fresh); n++ {
				fresh = fmt.Sprintf("%s_%d", name, n)
			}
			renames[name] = fresh
			name = fresh
		}
		cs.Params = append(cs.Params, TypeParam{
			Name:            name,
			ClassBound:      renameTypeVars(p.ClassBound, renames),
			InterfaceBounds: renameAll(p.InterfaceBounds, renames),
		})
	}
	for _, itf := range other.Interfaces {
		itf = renameTypeVars(itf, renames)
		dup := false
		for _, have := range cs.Interfaces {
			if have == itf {
				dup = true
				break
			}
		}
		if !dup {
			cs.Interfaces = append(cs.Interfaces, itf)
		}
	}
}

func renameAll(tokens []string, renames map[string]string) []string {
	if len(renames) == 0 {
		return append([]string(nil), tokens...)
	}
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = renameTypeVars(t, renames)
	}
	return out
}

// renameTypeVars rewrites T<name>; references inside a type signature
// token according to the rename table.
func renameTypeVars(token string, renames map[string]string) string {
	if len(renames) == 0 || !strings.ContainsRune(token, 'T') {
		return token
	}
	var sb strings.Builder
	i := 0
	for i < len(token) {
		c := token[i]
		// A type variable starts after one of these structural characters
		// or at the start of the token.
		if c == 'T' && (i == 0 || isVarBoundary(token[i-1])) {
			end := strings.IndexByte(token[i:], ';')
			if end > 0 {
				name := token[i+1 : i+end]
				if fresh, ok := renames[name]; ok && isIdent(name) {
					sb.WriteByte('T')
					sb.WriteString(fresh)
					sb.WriteByte(';')
					i += end + 1
					continue
				}
			}
		}
		sb.WriteByte(c)
		i++
	}
	return sb.String()
}

func isVarBoundary(c byte) bool {
	switch c {
	case '<', ';', '[', '+', '-', ':':
		return true
	}
	return false
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '_' || c == '$' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}
