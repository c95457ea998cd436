// Package descriptor provides pure functions over JVM type descriptors and
// generic signatures: splitting method descriptors, computing slot sizes,
// the narrow-to-int coercion table, and structural signature merging.
package descriptor

import (
	"fmt"
	"strings"
)

// SplitMethod splits a method descriptor into its argument descriptors and
// return descriptor.
func SplitMethod(desc string) (args []string, ret string, err error) {
	if len(desc) < 3 || desc[0] != '(' {
		return nil, "", fmt.Errorf("descriptor: malformed method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		arg, n, err := readType(desc, i)
		if err != nil {
			return nil, "", err
		}
		args = append(args, arg)
		i += n
	}
	if i >= len(desc) || desc[i] != ')' {
		return nil, "", fmt.Errorf("descriptor: unterminated arguments in %q", desc)
	}
	ret = desc[i+1:]
	if ret == "" {
		return nil, "", fmt.Errorf("descriptor: missing return type in %q", desc)
	}
	if _, n, err := readType(ret, 0); err != nil || n != len(ret) {
		return nil, "", fmt.Errorf("descriptor: malformed return type in %q", desc)
	}
	return args, ret, nil
}

// readType reads one field descriptor starting at i and returns it with
// its length.
func readType(s string, i int) (string, int, error) {
	start := i
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return "", 0, fmt.Errorf("descriptor: truncated type in %q", s)
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 'V':
		return s[start : i+1], i + 1 - start, nil
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			return "", 0, fmt.Errorf("descriptor: unterminated class type in %q", s)
		}
		return s[start : i+end+1], i + end + 1 - start, nil
	}
	return "", 0, fmt.Errorf("descriptor: invalid type char %q in %q", s[i], s)
}

// SlotSize returns the local/stack slot width of a field descriptor:
// 2 for long and double, 0 for void, 1 otherwise.
func SlotSize(desc string) int {
	switch desc {
	case "J", "D":
		return 2
	case "V":
		return 0
	}
	return 1
}

// ArgSlots returns the total argument slot count of a method descriptor,
// not counting the receiver.
func ArgSlots(desc string) (int, error) {
	args, _, err := SplitMethod(desc)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range args {
		n += SlotSize(a)
	}
	return n, nil
}

// IsPrimitive reports whether desc is a single primitive type char.
func IsPrimitive(desc string) bool {
	if len(desc) != 1 {
		return false
	}
	switch desc[0] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return true
	}
	return false
}

// ToInternalName converts an object descriptor (Lfoo/Bar;) to an internal
// name (foo/Bar). Array and primitive descriptors are returned unchanged.
func ToInternalName(desc string) string {
	if strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";") {
		return desc[1 : len(desc)-1]
	}
	return desc
}

// ToDescriptor converts an internal class name to an object descriptor.
// Names already in descriptor form are returned unchanged.
func ToDescriptor(internalName string) string {
	if internalName == "" {
		return ""
	}
	if strings.HasPrefix(internalName, "[") || (len(internalName) == 1 && IsPrimitive(internalName)) {
		return internalName
	}
	if strings.HasPrefix(internalName, "L") && strings.HasSuffix(internalName, ";") {
		return internalName
	}
	return "L" + internalName + ";"
}

// CanCoerce reports whether a value of descriptor from can be passed where
// to is declared. The only permitted coercions are the narrow integer
// family widening to int: byte, short, char and boolean. Nothing else
// coerces, not even int to long or float to double.
func CanCoerce(from, to string) bool {
	if from == to {
		return true
	}
	if to != "I" {
		return false
	}
	switch from {
	case "B", "S", "C", "Z":
		return true
	}
	return false
}
