// Package mixin models mixin declarations: the annotations carried by a
// compiled mixin class are parsed into typed member descriptions the
// weaver consumes, together with the configuration bundle and reference
// map that accompany a set of mixins.
package mixin

import (
	"fmt"

	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/descriptor"
	"github.com/softweave/weft/injection"
	"github.com/softweave/weft/selector"
)

// Annotation type descriptors the parser recognizes. The annotation
// classes themselves live in the runtime companion jar.
const (
	AnnMixin      = "Lweft/annotation/Mixin;"
	AnnInject     = "Lweft/annotation/Inject;"
	AnnRedirect   = "Lweft/annotation/Redirect;"
	AnnModifyArg  = "Lweft/annotation/ModifyArg;"
	AnnModifyArgs = "Lweft/annotation/ModifyArgs;"
	AnnShadow     = "Lweft/annotation/Shadow;"
	AnnOverwrite  = "Lweft/annotation/Overwrite;"
	AnnAccessor   = "Lweft/annotation/Accessor;"
	AnnInvoker    = "Lweft/annotation/Invoker;"
	AnnUnique     = "Lweft/annotation/Unique;"
	AnnFinal      = "Lweft/annotation/Final;"
	AnnAt         = "Lweft/annotation/At;"
	AnnSlice      = "Lweft/annotation/Slice;"
)

// DefaultPriority is the priority a mixin gets when its declaration does
// not set one. Higher priorities apply later and therefore win conflicts.
const DefaultPriority = 1000

// MixinInfo is one mixin class applied to one or more targets. It is
// immutable after ParseMixin; Order is assigned by the registry when the
// mixin is registered and tie-breaks equal priorities.
type MixinInfo struct {
	Name     string // internal name of the mixin class
	Targets  []string
	Priority int
	Order    int
	Class    *classfile.ClassNode

	Injections []*InjectionInfo
	Shadows    []*ShadowInfo
	Overwrites []*classfile.MethodNode
	Accessors  []*AccessorInfo
	Uniques    map[string]bool // name+desc of members declared @Unique

	remap func(ref string) string // parse-time reference translation
}

// InjectionInfo is one handler method and the declarative coordinates of
// where it injects.
type InjectionInfo struct {
	Handler  *classfile.MethodNode
	Strategy injection.Strategy

	Methods []*selector.MemberSelector // target method selectors
	Specs   []injection.PointSpec
	Points  []injection.InjectionPoint
	Slices  map[string]*injection.Slice

	Cancellable bool
	ArgIndex    int
	Require     int // minimum successful injections; -1 = config default
	Expect      int // expected injections, warn when fewer
}

// ShadowInfo is a placeholder member the mixin borrows from its target.
type ShadowInfo struct {
	Field   *classfile.FieldNode
	Method  *classfile.MethodNode
	Aliases []string
	Final   bool
}

// Name returns the shadow member's name.
func (s *ShadowInfo) Name() string {
	if s.Field != nil {
		return s.Field.Name
	}
	return s.Method.Name
}

// Desc returns the shadow member's descriptor.
func (s *ShadowInfo) Desc() string {
	if s.Field != nil {
		return s.Field.Desc
	}
	return s.Method.Desc
}

// AccessorKind says what an accessor method proxies.
type AccessorKind uint8

const (
	AccessorField  AccessorKind = iota // getter or setter, decided by shape
	AccessorMethod                     // method proxy or factory
)

// AccessorInfo is an abstract accessor or invoker method to be
// synthesized against the target. TargetName is the explicit member name
// from the annotation; empty means derive it by name inflection.
type AccessorInfo struct {
	Method     *classfile.MethodNode
	Kind       AccessorKind
	TargetName string
}

// Remapper translates development-time member references into their
// runtime equivalents while a mixin's annotations are parsed.
type Remapper interface {
	Remap(mixinClass, ref string) string
}

// ParseMixin reads the weft annotations off a decoded mixin class. A
// class without the top-level mixin annotation is rejected.
func ParseMixin(cn *classfile.ClassNode) (*MixinInfo, error) {
	return ParseMixinRemapped(cn, nil)
}

// ParseMixinRemapped is ParseMixin with every member reference in the
// declarations translated through r before parsing. A nil r leaves
// references untouched.
func ParseMixinRemapped(cn *classfile.ClassNode, r Remapper) (*MixinInfo, error) {
	ann := findAnnotation(cn.VisibleAnnotations, cn.InvisibleAnnotations, AnnMixin)
	if ann == nil {
		return nil, ConfigError(cn.Name, "", fmt.Errorf("class carries no %s annotation", AnnMixin))
	}

	info := &MixinInfo{
		Name:     cn.Name,
		Priority: ann.Get("priority").IntValue(DefaultPriority),
		Class:    cn,
		Uniques:  map[string]bool{},
		remap:    func(ref string) string { return ref },
	}
	if r != nil {
		info.remap = func(ref string) string { return r.Remap(cn.Name, ref) }
	}
	for _, v := range classTargets(ann) {
		info.Targets = append(info.Targets, v)
	}
	if len(info.Targets) == 0 {
		return nil, ConfigError(cn.Name, "", fmt.Errorf("mixin declares no targets"))
	}
	if info.Priority < 0 {
		return nil, ConfigError(cn.Name, "", fmt.Errorf("negative priority %d", info.Priority))
	}

	for _, f := range cn.Fields {
		if err := info.parseField(f); err != nil {
			return nil, err
		}
	}
	for _, m := range cn.Methods {
		if err := info.parseMethod(m); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// classTargets collects target class names from the mixin annotation's
// class-literal array and its string-form "targets" list.
func classTargets(ann *classfile.AnnotationNode) []string {
	var out []string
	if v := ann.Get("value"); v != nil {
		for i := range v.Array {
			if v.Array[i].Kind == classfile.ElementClass {
				out = append(out, descriptor.ToInternalName(v.Array[i].Str))
			}
		}
		if v.Kind == classfile.ElementClass {
			out = append(out, descriptor.ToInternalName(v.Str))
		}
	}
	for _, s := range ann.Get("targets").Strings() {
		out = append(out, descriptor.ToInternalName(s))
	}
	return out
}

func (info *MixinInfo) parseField(f *classfile.FieldNode) error {
	member := f.Name + ":" + f.Desc
	if findAnnotation(f.VisibleAnnotations, f.InvisibleAnnotations, AnnUnique) != nil {
		info.Uniques[member] = true
	}
	shadow := findAnnotation(f.VisibleAnnotations, f.InvisibleAnnotations, AnnShadow)
	if shadow == nil {
		return nil
	}
	info.Shadows = append(info.Shadows, &ShadowInfo{
		Field:   f,
		Aliases: shadow.Get("aliases").Strings(),
		Final:   findAnnotation(f.VisibleAnnotations, f.InvisibleAnnotations, AnnFinal) != nil,
	})
	return nil
}

func (info *MixinInfo) parseMethod(m *classfile.MethodNode) error {
	member := m.Name + m.Desc
	if findAnnotation(m.VisibleAnnotations, m.InvisibleAnnotations, AnnUnique) != nil {
		info.Uniques[member] = true
	}

	var claimed []string
	if ann := findAnnotation(m.VisibleAnnotations, m.InvisibleAnnotations, AnnShadow); ann != nil {
		claimed = append(claimed, AnnShadow)
		info.Shadows = append(info.Shadows, &ShadowInfo{
			Method:  m,
			Aliases: ann.Get("aliases").Strings(),
		})
	}
	if findAnnotation(m.VisibleAnnotations, m.InvisibleAnnotations, AnnOverwrite) != nil {
		claimed = append(claimed, AnnOverwrite)
		info.Overwrites = append(info.Overwrites, m)
	}
	if ann := findAnnotation(m.VisibleAnnotations, m.InvisibleAnnotations, AnnAccessor); ann != nil {
		claimed = append(claimed, AnnAccessor)
		info.Accessors = append(info.Accessors, &AccessorInfo{
			Method:     m,
			Kind:       AccessorField,
			TargetName: ann.Get("value").StringValue(""),
		})
	}
	if ann := findAnnotation(m.VisibleAnnotations, m.InvisibleAnnotations, AnnInvoker); ann != nil {
		claimed = append(claimed, AnnInvoker)
		info.Accessors = append(info.Accessors, &AccessorInfo{
			Method:     m,
			Kind:       AccessorMethod,
			TargetName: ann.Get("value").StringValue(""),
		})
	}

	for _, entry := range []struct {
		desc     string
		strategy injection.Strategy
	}{
		{AnnInject, injection.StrategyCallback},
		{AnnRedirect, injection.StrategyRedirect},
		{AnnModifyArg, injection.StrategyModifyArg},
		{AnnModifyArgs, injection.StrategyModifyArgs},
	} {
		ann := findAnnotation(m.VisibleAnnotations, m.InvisibleAnnotations, entry.desc)
		if ann == nil {
			continue
		}
		claimed = append(claimed, entry.desc)
		inj, err := info.parseInjection(m, entry.strategy, ann)
		if err != nil {
			return err
		}
		info.Injections = append(info.Injections, inj)
	}

	if len(claimed) > 1 {
		return ConfigError(info.Name, member, fmt.Errorf("conflicting annotations %v", claimed))
	}
	return nil
}

func (info *MixinInfo) parseInjection(m *classfile.MethodNode, strategy injection.Strategy, ann *classfile.AnnotationNode) (*InjectionInfo, error) {
	member := m.Name + m.Desc
	inj := &InjectionInfo{
		Handler:     m,
		Strategy:    strategy,
		Slices:      map[string]*injection.Slice{},
		Cancellable: ann.Get("cancellable").BoolValue(false),
		ArgIndex:    ann.Get("index").IntValue(0),
		Require:     ann.Get("require").IntValue(-1),
		Expect:      ann.Get("expect").IntValue(1),
	}

	methods := ann.Get("method").Strings()
	if len(methods) == 0 {
		return nil, ConfigError(info.Name, member, fmt.Errorf("no target method selector"))
	}
	for _, pattern := range methods {
		sel, err := selector.Parse(info.remap(pattern))
		if err != nil {
			return nil, ConfigError(info.Name, member, err)
		}
		if err := sel.Validate(); err != nil {
			return nil, ConfigError(info.Name, member, err)
		}
		inj.Methods = append(inj.Methods, sel)
	}

	ats := ann.Get("at").Annotations()
	if len(ats) == 0 {
		return nil, ConfigError(info.Name, member, fmt.Errorf("no injection point"))
	}
	for _, at := range ats {
		spec, err := parseAt(at, info.remap)
		if err != nil {
			return nil, ConfigError(info.Name, member, err)
		}
		pt, err := injection.NewPoint(spec)
		if err != nil {
			return nil, ConfigError(info.Name, member, err)
		}
		inj.Specs = append(inj.Specs, spec)
		inj.Points = append(inj.Points, pt)
	}

	for _, sl := range ann.Get("slice").Annotations() {
		parsed, err := parseSlice(sl, info.remap)
		if err != nil {
			return nil, ConfigError(info.Name, member, err)
		}
		if _, dup := inj.Slices[parsed.ID]; dup {
			return nil, ConfigError(info.Name, member, fmt.Errorf("duplicate slice %q", parsed.ID))
		}
		inj.Slices[parsed.ID] = parsed
	}
	return inj, nil
}

// parseAt converts an @At annotation into resolver parameters.
func parseAt(ann *classfile.AnnotationNode, remap func(string) string) (injection.PointSpec, error) {
	spec := injection.PointSpec{
		Code:    ann.Get("value").StringValue(""),
		Ordinal: ann.Get("ordinal").IntValue(-1),
		Opcode:  ann.Get("opcode").IntValue(-1),
		Slice:   ann.Get("slice").StringValue(""),
	}
	if spec.Code == "" {
		return spec, fmt.Errorf("injection point code missing")
	}
	if pattern := ann.Get("target").StringValue(""); pattern != "" {
		sel, err := selector.Parse(remap(pattern))
		if err != nil {
			return spec, err
		}
		sel.Min, sel.Max = 0, 0 // point selectors have no count contract
		spec.Target = sel
	}
	if v := ann.Get("intValue"); v != nil {
		n := int64(v.IntValue(0))
		spec.IntValue = &n
	}
	if v := ann.Get("stringValue"); v != nil {
		s := v.StringValue("")
		spec.StrValue = &s
	}
	spec.NullValue = ann.Get("nullValue").BoolValue(false)
	return spec, nil
}

// parseSlice converts a @Slice annotation. The default slice id is the
// empty string, matching an @At with no slice reference.
func parseSlice(ann *classfile.AnnotationNode, remap func(string) string) (*injection.Slice, error) {
	sl := &injection.Slice{ID: ann.Get("id").StringValue("")}
	if froms := ann.Get("from").Annotations(); len(froms) == 1 {
		spec, err := parseAt(froms[0], remap)
		if err != nil {
			return nil, err
		}
		pt, err := injection.NewPoint(spec)
		if err != nil {
			return nil, err
		}
		sl.From = pt
	}
	if tos := ann.Get("to").Annotations(); len(tos) == 1 {
		spec, err := parseAt(tos[0], remap)
		if err != nil {
			return nil, err
		}
		pt, err := injection.NewPoint(spec)
		if err != nil {
			return nil, err
		}
		sl.To = pt
	}
	return sl, nil
}

func findAnnotation(visible, invisible []*classfile.AnnotationNode, desc string) *classfile.AnnotationNode {
	for _, a := range visible {
		if a.Desc == desc {
			return a
		}
	}
	for _, a := range invisible {
		if a.Desc == desc {
			return a
		}
	}
	return nil
}
