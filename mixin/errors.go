package mixin

import "fmt"

// ErrorKind separates declaration problems from application problems: a
// config error means the mixin itself is malformed and can be reported at
// load time; a structural error means the mixin does not fit the target it
// was applied to.
type ErrorKind uint8

const (
	ErrConfig ErrorKind = iota
	ErrStructural
)

func (k ErrorKind) String() string {
	if k == ErrConfig {
		return "config"
	}
	return "structural"
}

// Error is the failure type every merge and injection problem surfaces
// as. It carries enough coordinates to name the responsible mixin, the
// target class and the member involved.
type Error struct {
	Kind   ErrorKind
	Mixin  string // internal name of the mixin class
	Target string // internal name of the target class, may be empty
	Member string // name+descriptor of the member involved, may be empty
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("mixin %s", e.Mixin)
	if e.Target != "" {
		msg += " -> " + e.Target
	}
	if e.Member != "" {
		msg += " (" + e.Member + ")"
	}
	return fmt.Sprintf("%s error in %s: %v", e.Kind, msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ConfigError wraps err as a mixin declaration problem.
func ConfigError(mixinName, member string, err error) *Error {
	return &Error{Kind: ErrConfig, Mixin: mixinName, Member: member, Err: err}
}

// StructuralError wraps err as a mixin/target fit problem.
func StructuralError(mixinName, target, member string, err error) *Error {
	return &Error{Kind: ErrStructural, Mixin: mixinName, Target: target, Member: member, Err: err}
}
