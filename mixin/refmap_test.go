package mixin

import (
	"bytes"
	"testing"
)

const refmapJSON = `{
  "mappings": {
    "demo/mixins/WidgetMixin": {
      "getValue()I": "a()I",
      "count:I": "b:I"
    }
  }
}`

func TestRefMapRemap(t *testing.T) {
	r, err := ParseRefMap([]byte(refmapJSON))
	if err != nil {
		t.Fatalf("ParseRefMap: %v", err)
	}
	if got := r.Remap("demo/mixins/WidgetMixin", "getValue()I"); got != "a()I" {
		t.Fatalf("Remap = %q, want a()I", got)
	}
	// Unmapped references and unknown scopes pass through.
	if got := r.Remap("demo/mixins/WidgetMixin", "other()V"); got != "other()V" {
		t.Fatalf("unmapped ref = %q", got)
	}
	if got := r.Remap("demo/mixins/Unknown", "getValue()I"); got != "getValue()I" {
		t.Fatalf("unknown scope = %q", got)
	}
}

func TestRefMapCompileRoundTrip(t *testing.T) {
	r, err := ParseRefMap([]byte(refmapJSON))
	if err != nil {
		t.Fatalf("ParseRefMap: %v", err)
	}
	data, err := r.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	back, err := ParseCompiledRefMap(data)
	if err != nil {
		t.Fatalf("ParseCompiledRefMap: %v", err)
	}
	if got := back.Remap("demo/mixins/WidgetMixin", "count:I"); got != "b:I" {
		t.Fatalf("round-tripped Remap = %q, want b:I", got)
	}

	// Canonical mode keeps the compiled form byte-stable.
	again, err := r.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("compiled refmap not deterministic")
	}
}

func TestRefMapAdd(t *testing.T) {
	r := NewRefMap()
	r.Add("demo/mixins/M", "x()V", "y()V")
	if got := r.Remap("demo/mixins/M", "x()V"); got != "y()V" {
		t.Fatalf("Remap after Add = %q", got)
	}
}
