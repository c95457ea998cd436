package mixin

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode is canonical so compiled refmaps are byte-stable across
// runs.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("mixin: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// RefMap translates development-time member references into their
// obfuscated runtime equivalents, scoped per mixin class. The source form
// is JSON; a compiled CBOR form is used as a faster load cache.
type RefMap struct {
	Mappings map[string]map[string]string `json:"mappings" cbor:"1,keyasint"`
}

// NewRefMap returns an empty reference map that maps everything to
// itself.
func NewRefMap() *RefMap {
	return &RefMap{Mappings: map[string]map[string]string{}}
}

// ParseRefMap reads the JSON source form.
func ParseRefMap(data []byte) (*RefMap, error) {
	var r RefMap
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("mixin: parse refmap: %w", err)
	}
	if r.Mappings == nil {
		r.Mappings = map[string]map[string]string{}
	}
	return &r, nil
}

// Compile serializes the refmap to its compiled cache form.
func (r *RefMap) Compile() ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// ParseCompiledRefMap reads the compiled cache form.
func ParseCompiledRefMap(data []byte) (*RefMap, error) {
	var r RefMap
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("mixin: unmarshal compiled refmap: %w", err)
	}
	if r.Mappings == nil {
		r.Mappings = map[string]map[string]string{}
	}
	return &r, nil
}

// Remap translates one reference in the context of a mixin class.
// Unmapped references pass through unchanged.
func (r *RefMap) Remap(mixinClass, ref string) string {
	if scoped, ok := r.Mappings[mixinClass]; ok {
		if mapped, ok := scoped[ref]; ok {
			return mapped
		}
	}
	return ref
}

// Add records a mapping, creating the mixin scope on first use.
func (r *RefMap) Add(mixinClass, ref, mapped string) {
	scoped, ok := r.Mappings[mixinClass]
	if !ok {
		scoped = map[string]string{}
		r.Mappings[mixinClass] = scoped
	}
	scoped[ref] = mapped
}
