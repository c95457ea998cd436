package weaver

import (
	"fmt"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/injection"
	"github.com/softweave/weft/mixin"
	"github.com/softweave/weft/selector"
)

var log = commonlog.GetLogger("weft.weaver")

// State tracks a driver through the per-target application sequence.
type State uint8

const (
	Unprocessed State = iota
	MixinsSorted
	MixinsApplied
	PostProcessed
	Finalized
)

func (s State) String() string {
	switch s {
	case Unprocessed:
		return "unprocessed"
	case MixinsSorted:
		return "mixins-sorted"
	case MixinsApplied:
		return "mixins-applied"
	case PostProcessed:
		return "post-processed"
	default:
		return "finalized"
	}
}

// Extension is a post-application pass that runs after every mixin for a
// target has been merged, before the class is finalized.
type Extension interface {
	Name() string
	PostApply(target *classfile.ClassNode, applied []*mixin.MixinInfo) error
}

// Driver applies all mixins registered for one target class, in priority
// order. A driver is confined to one transform call; it holds no shared
// state.
type Driver struct {
	target     *classfile.ClassNode
	mixins     []*mixin.MixinInfo
	required   bool
	extensions []Extension
	state      State
}

// NewDriver builds a driver over the mixins declaring target. The
// required flag escalates match-count violations from warnings to errors.
func NewDriver(target *classfile.ClassNode, mixins []*mixin.MixinInfo, required bool, extensions []Extension) *Driver {
	return &Driver{target: target, mixins: mixins, required: required, extensions: extensions}
}

// State returns the driver's current pipeline state.
func (d *Driver) State() State { return d.state }

// Run walks the full state machine. A failure in any mixin aborts the
// whole transform for this target, surfacing the originating mixin.
func (d *Driver) Run() error {
	if d.state != Unprocessed {
		return fmt.Errorf("weaver: driver for %s already ran (state %s)", d.target.Name, d.state)
	}

	d.sortMixins()
	d.state = MixinsSorted

	for _, info := range d.mixins {
		if err := d.apply(info); err != nil {
			return err
		}
	}
	d.state = MixinsApplied

	for _, ext := range d.extensions {
		if err := ext.PostApply(d.target, d.mixins); err != nil {
			return fmt.Errorf("weaver: extension %s on %s: %w", ext.Name(), d.target.Name, err)
		}
	}
	d.state = PostProcessed

	d.state = Finalized
	return nil
}

// sortMixins orders ascending by priority, ties broken by registration
// order, so equal-priority mixins apply deterministically first-in
// first-applied.
func (d *Driver) sortMixins() {
	sort.SliceStable(d.mixins, func(i, j int) bool {
		if d.mixins[i].Priority != d.mixins[j].Priority {
			return d.mixins[i].Priority < d.mixins[j].Priority
		}
		return d.mixins[i].Order < d.mixins[j].Order
	})
}

// apply runs one mixin's application sequence: merge members, synthesize
// accessors, then run every injection.
func (d *Driver) apply(info *mixin.MixinInfo) error {
	if err := NewMerger(info, d.target).Merge(); err != nil {
		return err
	}
	for _, acc := range info.Accessors {
		if _, err := synthesizeAccessor(info, acc, d.target); err != nil {
			return err
		}
	}
	for _, inj := range info.Injections {
		if err := d.applyInjection(info, inj); err != nil {
			return err
		}
	}
	log.Debugf("applied %s to %s (priority %d, order %d)", info.Name, d.target.Name, info.Priority, info.Order)
	return nil
}

func (d *Driver) applyInjection(info *mixin.MixinInfo, inj *mixin.InjectionInfo) error {
	member := inj.Handler.Name + inj.Handler.Desc
	handler := d.target.FindMethod(inj.Handler.Name, inj.Handler.Desc)
	if handler == nil {
		return mixin.StructuralError(info.Name, d.target.Name, member,
			fmt.Errorf("handler was not merged into the target"))
	}

	methods, err := d.selectMethods(info, inj)
	if err != nil {
		return err
	}

	injector := &injection.Injector{
		Strategy:     inj.Strategy,
		HandlerOwner: d.target.Name,
		Handler:      handler,
		Cancellable:  inj.Cancellable,
		ArgIndex:     inj.ArgIndex,
	}

	injected := 0
	for _, m := range methods {
		target, err := injection.NewTarget(d.target.Name, m)
		if err != nil {
			return mixin.StructuralError(info.Name, d.target.Name, member, err)
		}
		nodes, err := injection.Nominate(target, inj.Points, inj.Slices, inj.Specs)
		if err != nil {
			return mixin.StructuralError(info.Name, d.target.Name, member, err)
		}
		if nodes.Len() == 0 {
			continue
		}
		if err := injector.Inject(target, nodes.Nodes()); err != nil {
			return mixin.StructuralError(info.Name, d.target.Name, member, err)
		}
		injected += nodes.Len()
	}

	require := inj.Require
	if require < 0 && d.required {
		require = 1
	}
	if require > 0 && injected < require {
		return mixin.StructuralError(info.Name, d.target.Name, member,
			fmt.Errorf("%d injection(s) performed, %d required", injected, require))
	}
	if injected < inj.Expect {
		log.Warningf("%s in %s: %d injection(s) performed, expected %d", member, info.Name, injected, inj.Expect)
	}
	return nil
}

// selectMethods resolves the injection's target method selectors against
// the target class, deduplicated in declaration order. Match-count
// violations fail hard when the required flag is set and downgrade to
// warnings otherwise; permissive fallback matches are always logged.
func (d *Driver) selectMethods(info *mixin.MixinInfo, inj *mixin.InjectionInfo) ([]*classfile.MethodNode, error) {
	member := inj.Handler.Name + inj.Handler.Desc
	candidates := make([]selector.ElementNode, 0, len(d.target.Methods))
	for _, m := range d.target.Methods {
		candidates = append(candidates, selector.MethodElement(d.target.Name, m))
	}

	var out []*classfile.MethodNode
	seen := map[*classfile.MethodNode]bool{}
	for _, sel := range inj.Methods {
		res := selector.Run(sel, candidates)
		if err := res.ValidateCount(member); err != nil {
			if d.required {
				return nil, mixin.StructuralError(info.Name, d.target.Name, member, err)
			}
			log.Warningf("%s in %s: %v", member, info.Name, err)
		}
		if res.WasPermissive() {
			log.Warningf("%s in %s: selector %s matched only permissively (descriptor ignored)", member, info.Name, sel)
		}
		for _, node := range res.Matches() {
			if node.Method == nil || node.Method.Instructions == nil || seen[node.Method] {
				continue
			}
			seen[node.Method] = true
			out = append(out, node.Method)
		}
	}
	return out, nil
}
