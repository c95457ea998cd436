package classfile

import (
	"bytes"
	"testing"
)

func TestModifiedUTF8RoundTrip(t *testing.T) {
	cases := []string{
		"",
		"getValue",
		"demo/Widget",
		"a\x00b",          // embedded NUL
		"café",            // two-byte sequence
		"中文",              // three-byte sequences
		"ok \U0001F600 !", // supplementary code point
	}
	for _, s := range cases {
		enc := encodeModifiedUTF8(s)
		if bytes.IndexByte(enc, 0) >= 0 {
			t.Errorf("%q encodes with a raw NUL: % x", s, enc)
		}
		if got := decodeModifiedUTF8(enc); got != s {
			t.Errorf("round trip of %q = %q", s, got)
		}
	}
}

func TestModifiedUTF8Forms(t *testing.T) {
	if got := encodeModifiedUTF8("\x00"); !bytes.Equal(got, []byte{0xC0, 0x80}) {
		t.Fatalf("NUL = % x, want c0 80", got)
	}
	// U+1F600 as a CESU-8 surrogate pair, six bytes.
	if got := encodeModifiedUTF8("\U0001F600"); len(got) != 6 {
		t.Fatalf("supplementary length = %d, want 6", len(got))
	}
	if got := decodeModifiedUTF8([]byte{0xED, 0xA0, 0xBD, 0xED, 0xB8, 0x80}); got != "\U0001F600" {
		t.Fatalf("surrogate pair decoded to %q", got)
	}
}

func TestClassRoundTripModifiedUTF8(t *testing.T) {
	cn := &ClassNode{
		MajorVersion: 52,
		Access:       AccPublic,
		Name:         "demo/Widget",
		SuperName:    "java/lang/Object",
		SourceFile:   "emoji \U0001F600\x00.java",
	}
	data, err := Write(cn)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.SourceFile != cn.SourceFile {
		t.Fatalf("source file = %q, want %q", parsed.SourceFile, cn.SourceFile)
	}
}
