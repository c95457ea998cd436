// Package weaver applies mixins to target classes: it merges mixin
// members into the target's decoded structure, synthesizes accessor
// bodies, drives the injector engine, and exposes the transformer facade
// external class loaders call.
package weaver

import (
	"fmt"
	"strings"

	"github.com/softweave/weft/bytecode"
	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/descriptor"
	"github.com/softweave/weft/mixin"
)

// weftAnnotationPrefix marks the declarative annotations that must never
// leak into woven classes.
const weftAnnotationPrefix = "Lweft/annotation/"

// mergeableAnnotations may be copied from a mixin member onto the merged
// target member, replacing a same-type annotation already present.
var mergeableAnnotations = map[string]bool{
	"Lweft/annotation/Final;":     true,
	"Lweft/annotation/Intrinsic;": true,
	"Lweft/annotation/Debug;":     true,
}

// Merger merges one mixin's class structure into one target. A Merger is
// used once; the mixin's own ClassNode is never mutated, every merged
// member is a re-parented clone.
type Merger struct {
	info   *mixin.MixinInfo
	target *classfile.ClassNode
}

// NewMerger pairs a mixin with the target it is being applied to.
func NewMerger(info *mixin.MixinInfo, target *classfile.ClassNode) *Merger {
	return &Merger{info: info, target: target}
}

// Merge runs the full member merge: interfaces and generic signature,
// shadow validation, fields, then methods.
func (mg *Merger) Merge() error {
	if err := mg.mergeInterfaces(); err != nil {
		return err
	}
	if err := mg.validateShadows(); err != nil {
		return err
	}
	if err := mg.mergeFields(); err != nil {
		return err
	}
	return mg.mergeMethods()
}

func (mg *Merger) structural(member string, format string, args ...any) error {
	return mixin.StructuralError(mg.info.Name, mg.target.Name, member, fmt.Errorf(format, args...))
}

// mergeInterfaces adds the mixin's interfaces to the target without
// duplication and folds the generic signatures together.
func (mg *Merger) mergeInterfaces() error {
	for _, itf := range mg.info.Class.Interfaces {
		if !mg.target.HasInterface(itf) {
			mg.target.Interfaces = append(mg.target.Interfaces, itf)
		}
	}
	if mg.info.Class.Signature == "" {
		return nil
	}
	mixinSig, err := descriptor.ParseClassSignature(mg.info.Class.Signature)
	if err != nil {
		return mg.structural("", "bad mixin signature %q: %v", mg.info.Class.Signature, err)
	}
	if mg.target.Signature == "" {
		mg.target.Signature = mixinSig.String()
		return nil
	}
	targetSig, err := descriptor.ParseClassSignature(mg.target.Signature)
	if err != nil {
		return mg.structural("", "bad target signature %q: %v", mg.target.Signature, err)
	}
	targetSig.Merge(mixinSig)
	mg.target.Signature = targetSig.String()
	return nil
}

// validateShadows checks every shadow member against the target: shadow
// fields must exist with the identical descriptor, shadow methods must
// exist. Aliases are consulted in declaration order when the primary name
// is absent.
func (mg *Merger) validateShadows() error {
	for _, sh := range mg.info.Shadows {
		names := append([]string{sh.Name()}, sh.Aliases...)
		if sh.Field != nil {
			found := false
			for _, name := range names {
				f := mg.target.FindField(name, "")
				if f == nil {
					continue
				}
				if f.Desc != sh.Field.Desc {
					return mg.structural(name+":"+sh.Field.Desc,
						"shadow field descriptor %s conflicts with target's %s", sh.Field.Desc, f.Desc)
				}
				found = true
				break
			}
			if !found {
				return mg.structural(sh.Name()+":"+sh.Desc(), "shadow field has no target counterpart")
			}
			continue
		}
		found := false
		for _, name := range names {
			if mg.target.FindMethod(name, sh.Method.Desc) != nil {
				found = true
				break
			}
		}
		if !found {
			return mg.structural(sh.Name()+sh.Desc(), "shadow method has no target counterpart")
		}
	}
	return nil
}

func (mg *Merger) isShadow(name, desc string) bool {
	for _, sh := range mg.info.Shadows {
		if sh.Name() == name && sh.Desc() == desc {
			return true
		}
	}
	return false
}

func (mg *Merger) isOverwrite(m *classfile.MethodNode) bool {
	for _, ow := range mg.info.Overwrites {
		if ow == m {
			return true
		}
	}
	return false
}

func (mg *Merger) isAccessor(m *classfile.MethodNode) bool {
	for _, acc := range mg.info.Accessors {
		if acc.Method == m {
			return true
		}
	}
	return false
}

// mergeFields adds genuinely new mixin fields to the target. A colliding
// field is treated as an implicit shadow: the descriptor must match
// exactly and nothing is added.
func (mg *Merger) mergeFields() error {
	for _, f := range mg.info.Class.Fields {
		member := f.Name + ":" + f.Desc
		if mg.isShadow(f.Name, f.Desc) {
			continue
		}
		if isPublicStatic(f.Access) && !mg.info.Uniques[member] {
			return mg.structural(member, "public static field cannot be merged")
		}
		existing := mg.target.FindField(f.Name, "")
		if existing != nil {
			if existing.Desc != f.Desc {
				return mg.structural(member,
					"field descriptor %s conflicts with target's %s", f.Desc, existing.Desc)
			}
			continue
		}
		mg.target.Fields = append(mg.target.Fields, cloneField(f))
	}
	return nil
}

// mergeMethods re-parents and merges the mixin's concrete methods.
// Shadow and abstract methods only validate presence; constructors never
// merge; static initializer bodies are appended to the target's.
func (mg *Merger) mergeMethods() error {
	for _, m := range mg.info.Class.Methods {
		member := m.Name + m.Desc
		switch {
		case m.IsConstructor():
			continue
		case mg.isShadow(m.Name, m.Desc):
			continue
		case mg.isAccessor(m):
			// Synthesized after the merge pass.
			continue
		case m.IsStaticInit():
			if err := mg.appendStaticInit(m); err != nil {
				return err
			}
			continue
		case m.IsAbstract():
			if mg.target.FindMethod(m.Name, m.Desc) == nil {
				return mg.structural(member, "abstract mixin method has no target counterpart")
			}
			continue
		}

		overwrite := mg.isOverwrite(m)
		if isPublicStatic(m.Access) && !overwrite && !mg.info.Uniques[member] {
			return mg.structural(member, "visible public static method cannot be merged")
		}

		existing := mg.target.FindMethod(m.Name, m.Desc)
		if overwrite && existing == nil {
			return mg.structural(member, "overwrite target missing")
		}
		if existing != nil {
			if mg.info.Uniques[member] && !overwrite {
				continue
			}
			mg.target.RemoveMethod(existing)
		}

		merged := cloneMethod(m)
		Reparent(merged, mg.info.Name, mg.target.Name)
		mg.mergeMemberAnnotations(m, merged, existing)
		mg.target.Methods = append(mg.target.Methods, merged)
	}
	return nil
}

// appendStaticInit splices the mixin's static initializer body, minus its
// return instructions, in front of the final return of the target's.
func (mg *Merger) appendStaticInit(m *classfile.MethodNode) error {
	if m.Instructions == nil {
		return nil
	}
	addition := cloneMethod(m)
	Reparent(addition, mg.info.Name, mg.target.Name)
	stripReturns(addition.Instructions)

	existing := mg.target.FindMethod("<clinit>", "()V")
	if existing == nil {
		addition.Instructions.PushBack(bytecode.NewInsn(bytecode.RETURN))
		mg.target.Methods = append(mg.target.Methods, addition)
		return nil
	}

	last := lastReturn(existing.Instructions)
	if last == nil {
		return mg.structural("<clinit>()V", "target static initializer has no return")
	}
	existing.Instructions.InsertListBefore(last, addition.Instructions)
	if addition.MaxStack > existing.MaxStack {
		existing.MaxStack = addition.MaxStack
	}
	if addition.MaxLocals > existing.MaxLocals {
		existing.MaxLocals = addition.MaxLocals
	}
	existing.TryCatch = append(existing.TryCatch, addition.TryCatch...)
	return nil
}

// mergeMemberAnnotations strips the declarative annotations off the
// merged clone and copies allow-listed ones over, replacing same-type
// annotations the replaced target member carried.
func (mg *Merger) mergeMemberAnnotations(src, merged, replaced *classfile.MethodNode) {
	merged.VisibleAnnotations = filterWeft(src.VisibleAnnotations)
	merged.InvisibleAnnotations = filterWeft(src.InvisibleAnnotations)
	if replaced == nil {
		return
	}
	// Carried-over annotations from the replaced method, minus types the
	// mixin member re-declares.
	for _, a := range replaced.InvisibleAnnotations {
		if mergeableAnnotations[a.Desc] && findByDesc(merged.InvisibleAnnotations, a.Desc) == nil {
			merged.InvisibleAnnotations = append(merged.InvisibleAnnotations, a)
		}
	}
}

// filterWeft drops declarative annotations, keeping allow-listed ones.
func filterWeft(anns []*classfile.AnnotationNode) []*classfile.AnnotationNode {
	var out []*classfile.AnnotationNode
	for _, a := range anns {
		if strings.HasPrefix(a.Desc, weftAnnotationPrefix) && !mergeableAnnotations[a.Desc] {
			continue
		}
		out = append(out, a)
	}
	return out
}

func findByDesc(anns []*classfile.AnnotationNode, desc string) *classfile.AnnotationNode {
	for _, a := range anns {
		if a.Desc == desc {
			return a
		}
	}
	return nil
}

func isPublicStatic(access uint16) bool {
	return access&classfile.AccPublic != 0 && access&classfile.AccStatic != 0
}

// Reparent rewrites a method body's self-references from one class name
// to another: instruction owners, instantiated and cast types, class
// constants and declared exception types. Re-parenting an already
// re-parented method is a no-op.
func Reparent(m *classfile.MethodNode, from, to string) {
	if m.Instructions == nil {
		return
	}
	for in := m.Instructions.First(); in != nil; in = in.Next() {
		if in.Owner == from {
			in.Owner = to
		}
		if in.Type == from {
			in.Type = to
		}
		if in.Op == bytecode.LDC && in.Const.Kind == bytecode.ConstClass && in.Const.Str == from {
			in.Const.Str = to
		}
	}
	for _, tc := range m.TryCatch {
		if tc.Type == from {
			tc.Type = to
		}
	}
}

// cloneMethod deep-copies a method: fresh instruction list with remapped
// branch targets and exception table, shared annotation nodes.
func cloneMethod(m *classfile.MethodNode) *classfile.MethodNode {
	dup := &classfile.MethodNode{
		Access:               m.Access,
		Name:                 m.Name,
		Desc:                 m.Desc,
		Signature:            m.Signature,
		Exceptions:           append([]string(nil), m.Exceptions...),
		MaxStack:             m.MaxStack,
		MaxLocals:            m.MaxLocals,
		VisibleAnnotations:   append([]*classfile.AnnotationNode(nil), m.VisibleAnnotations...),
		InvisibleAnnotations: append([]*classfile.AnnotationNode(nil), m.InvisibleAnnotations...),
	}
	if m.Instructions == nil {
		return dup
	}

	labels := map[*bytecode.Insn]*bytecode.Insn{}
	for in := m.Instructions.First(); in != nil; in = in.Next() {
		if in.IsLabel() {
			labels[in] = bytecode.NewLabel()
		}
	}
	list := bytecode.NewInsnList()
	for in := m.Instructions.First(); in != nil; in = in.Next() {
		if in.IsLabel() {
			list.PushBack(labels[in])
			continue
		}
		list.PushBack(in.Clone(labels))
	}
	dup.Instructions = list
	for _, tc := range m.TryCatch {
		dup.TryCatch = append(dup.TryCatch, &classfile.TryCatch{
			Start:   labels[tc.Start],
			End:     labels[tc.End],
			Handler: labels[tc.Handler],
			Type:    tc.Type,
		})
	}
	return dup
}

func cloneField(f *classfile.FieldNode) *classfile.FieldNode {
	dup := *f
	dup.VisibleAnnotations = filterWeft(f.VisibleAnnotations)
	dup.InvisibleAnnotations = filterWeft(f.InvisibleAnnotations)
	return &dup
}

// stripReturns removes every return instruction from a list.
func stripReturns(list *bytecode.InsnList) {
	in := list.First()
	for in != nil {
		next := in.Next()
		if in.IsReal() && bytecode.IsReturn(in.Op) {
			list.Remove(in)
		}
		in = next
	}
}

func lastReturn(list *bytecode.InsnList) *bytecode.Insn {
	var last *bytecode.Insn
	for in := list.First(); in != nil; in = in.Next() {
		if in.IsReal() && bytecode.IsReturn(in.Op) {
			last = in
		}
	}
	return last
}
