package weaver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/softweave/weft/classfile"
	"github.com/softweave/weft/mixin"
)

// BytecodeProvider supplies class bytes by internal name. It is the
// external collaborator the core delegates all I/O to; a not-found error
// is treated as a fatal configuration error for the requesting mixin.
type BytecodeProvider interface {
	// ClassBytes returns a class's original, pre-mixin bytes.
	ClassBytes(name string) ([]byte, error)
	// TransformedClassBytes returns a class's bytes after any mixin
	// application, for hierarchy inspection. Providers with no
	// transformed view return the original bytes.
	TransformedClassBytes(name string) ([]byte, error)
}

// classCacheSize bounds the parsed-class cache used by post-application
// extensions when walking type hierarchies.
const classCacheSize = 256

// Transformer is the long-lived facade: it owns the mixin registry and
// weaves registered mixins into the classes passed through Transform.
// Transform is safe to call concurrently for different classes; all
// per-transform state is confined to the call.
type Transformer struct {
	provider BytecodeProvider

	mu        sync.RWMutex
	byTarget  map[string][]*mixin.MixinInfo
	byName    map[string]*mixin.MixinInfo
	nextOrder int
	applied   map[string][]string // target -> mixin names, for the audit

	required   bool
	extensions []Extension
	cache      *lru.Cache[string, *classfile.ClassNode]
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithRequired escalates match-count violations to hard errors.
func WithRequired(required bool) Option {
	return func(t *Transformer) { t.required = required }
}

// WithExtension appends a post-application extension.
func WithExtension(ext Extension) Option {
	return func(t *Transformer) { t.extensions = append(t.extensions, ext) }
}

// NewTransformer builds a transformer over the given bytecode provider.
func NewTransformer(provider BytecodeProvider, opts ...Option) *Transformer {
	cache, err := lru.New[string, *classfile.ClassNode](classCacheSize)
	if err != nil {
		panic(fmt.Sprintf("weaver: class cache: %v", err))
	}
	t := &Transformer{
		provider: provider,
		byTarget: map[string][]*mixin.MixinInfo{},
		byName:   map[string]*mixin.MixinInfo{},
		applied:  map[string][]string{},
		cache:    cache,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Use appends a post-application extension. Extensions that need the
// transformer itself, like InterfaceAudit, are attached here after
// construction.
func (t *Transformer) Use(ext Extension) {
	t.extensions = append(t.extensions, ext)
}

// RegisterConfig loads, parses and registers every mixin class a
// configuration bundle names. The bundle's refmap, when present, is
// applied while parsing.
func (t *Transformer) RegisterConfig(cfg *mixin.Config, refmap *mixin.RefMap) error {
	for _, name := range cfg.MixinClassNames() {
		data, err := t.provider.ClassBytes(name)
		if err != nil {
			return mixin.ConfigError(name, "", fmt.Errorf("cannot load mixin bytes: %w", err))
		}
		cn, err := classfile.Parse(data)
		if err != nil {
			return mixin.ConfigError(name, "", err)
		}
		var r mixin.Remapper
		if refmap != nil {
			r = refmap
		}
		info, err := mixin.ParseMixinRemapped(cn, r)
		if err != nil {
			return err
		}
		if info.Priority == mixin.DefaultPriority && cfg.Behavior.Priority != mixin.DefaultPriority {
			info.Priority = cfg.Behavior.Priority
		}
		t.Register(info)
	}
	return nil
}

// Register adds one parsed mixin to the registry, assigning its
// registration order. Order assignment and indexing happen under one
// lock so registration from concurrent loaders stays deterministic per
// registration sequence.
func (t *Transformer) Register(info *mixin.MixinInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info.Order = t.nextOrder
	t.nextOrder++
	t.byName[info.Name] = info
	for _, target := range info.Targets {
		t.byTarget[target] = append(t.byTarget[target], info)
	}
}

// mixinsFor snapshots the registered mixins for a target.
func (t *Transformer) mixinsFor(name string) []*mixin.MixinInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	infos := t.byTarget[name]
	if len(infos) == 0 {
		return nil
	}
	return append([]*mixin.MixinInfo(nil), infos...)
}

// Transform weaves every registered mixin for the named class into data
// and returns the rewritten bytes. Classes no mixin targets are returned
// unchanged, byte for byte.
func (t *Transformer) Transform(name string, data []byte) ([]byte, error) {
	infos := t.mixinsFor(name)
	if len(infos) == 0 {
		return data, nil
	}

	passID := uuid.NewString()
	log.Infof("pass %s: weaving %s (%d mixin(s))", passID, name, len(infos))

	cn, err := classfile.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("weaver: parse %s: %w", name, err)
	}
	driver := NewDriver(cn, infos, t.required, t.extensions)
	if err := driver.Run(); err != nil {
		log.Errorf("pass %s: %v", passID, err)
		return nil, err
	}
	out, err := classfile.Write(cn)
	if err != nil {
		return nil, fmt.Errorf("weaver: write %s: %w", name, err)
	}

	t.mu.Lock()
	t.applied[name] = mixinNames(driver.mixins)
	t.mu.Unlock()
	return out, nil
}

// Reload replaces a registered mixin's class structure and re-weaves
// every target it declares, re-fetching each target's original bytes from
// the provider so prior mutations are never applied twice. It returns the
// freshly woven bytes per target.
func (t *Transformer) Reload(name string, data []byte) (map[string][]byte, error) {
	t.mu.Lock()
	old, ok := t.byName[name]
	if !ok {
		t.mu.Unlock()
		return nil, mixin.ConfigError(name, "", fmt.Errorf("mixin is not registered"))
	}
	cn, err := classfile.Parse(data)
	if err != nil {
		t.mu.Unlock()
		return nil, mixin.ConfigError(name, "", err)
	}
	info, err := mixin.ParseMixin(cn)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	info.Order = old.Order // reload keeps the original tie-break position
	t.byName[name] = info

	// The target list may have changed; recompute the index from scratch
	// for this mixin so dropped targets stop weaving it and new targets
	// start.
	for _, target := range old.Targets {
		list := t.byTarget[target]
		for i, have := range list {
			if have == old {
				t.byTarget[target] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(t.byTarget[target]) == 0 {
			delete(t.byTarget, target)
		}
	}
	for _, target := range info.Targets {
		t.byTarget[target] = append(t.byTarget[target], info)
	}
	targets := append([]string(nil), info.Targets...)
	t.mu.Unlock()

	// A failing target does not abort the rest of the batch; it is
	// logged and omitted from the result.
	out := make(map[string][]byte, len(targets))
	for _, target := range targets {
		orig, err := t.provider.ClassBytes(target)
		if err != nil {
			log.Errorf("reload %s: cannot re-fetch %s: %v", name, target, err)
			continue
		}
		woven, err := t.Transform(target, orig)
		if err != nil {
			log.Errorf("reload %s: %s: %v", name, target, err)
			continue
		}
		out[target] = woven
	}
	return out, nil
}

// AuditEntry describes one target class in the audit report.
type AuditEntry struct {
	Target     string
	Registered []string // mixins registered for the target
	Applied    []string // mixins actually applied, in application order
	Findings   []string // extension findings from the standalone check
}

// Audit reports every known target with its registered and applied
// mixins, sorted by target name, and runs the post-application extension
// checks standalone against each target's current class as supplied by
// the provider.
func (t *Transformer) Audit() []AuditEntry {
	t.mu.RLock()
	byTarget := make(map[string][]*mixin.MixinInfo, len(t.byTarget))
	for target, infos := range t.byTarget {
		byTarget[target] = append([]*mixin.MixinInfo(nil), infos...)
	}
	applied := make(map[string][]string, len(t.applied))
	for target, names := range t.applied {
		applied[target] = append([]string(nil), names...)
	}
	exts := append([]Extension(nil), t.extensions...)
	t.mu.RUnlock()

	entries := make([]AuditEntry, 0, len(byTarget))
	for target, infos := range byTarget {
		e := AuditEntry{
			Target:     target,
			Registered: mixinNames(infos),
			Applied:    applied[target],
		}
		if len(exts) > 0 {
			if cn, err := t.classNode(target); err != nil {
				e.Findings = append(e.Findings, fmt.Sprintf("cannot load class: %v", err))
			} else {
				for _, ext := range exts {
					if err := ext.PostApply(cn, infos); err != nil {
						e.Findings = append(e.Findings, fmt.Sprintf("%s: %v", ext.Name(), err))
					}
				}
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Target < entries[j].Target })
	return entries
}

// classNode parses and caches a class by name, for hierarchy walks. The
// transformed view is used so audits see classes as they run, mixins
// applied.
func (t *Transformer) classNode(name string) (*classfile.ClassNode, error) {
	if cn, ok := t.cache.Get(name); ok {
		return cn, nil
	}
	data, err := t.provider.TransformedClassBytes(name)
	if err != nil {
		return nil, err
	}
	cn, err := classfile.Parse(data)
	if err != nil {
		return nil, err
	}
	t.cache.Add(name, cn)
	return cn, nil
}

func mixinNames(infos []*mixin.MixinInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// InterfaceAudit is a post-application extension verifying that the
// target concretely implements every method of every interface the mixins
// added. Interfaces the provider cannot supply are skipped.
type InterfaceAudit struct {
	Transformer *Transformer
}

// Name implements Extension.
func (a *InterfaceAudit) Name() string { return "interface-audit" }

// PostApply implements Extension.
func (a *InterfaceAudit) PostApply(target *classfile.ClassNode, applied []*mixin.MixinInfo) error {
	added := map[string]bool{}
	for _, info := range applied {
		for _, itf := range info.Class.Interfaces {
			added[itf] = true
		}
	}
	for itf := range added {
		icn, err := a.Transformer.classNode(itf)
		if err != nil {
			log.Debugf("interface-audit: cannot load %s: %v", itf, err)
			continue
		}
		for _, im := range icn.Methods {
			if !im.IsAbstract() {
				continue
			}
			if m := target.FindMethod(im.Name, im.Desc); m == nil || m.IsAbstract() {
				return fmt.Errorf("%s does not implement %s.%s%s", target.Name, itf, im.Name, im.Desc)
			}
		}
	}
	return nil
}
