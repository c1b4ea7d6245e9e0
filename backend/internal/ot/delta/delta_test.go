package delta

import (
	"bytes"
	"testing"
)

func TestEncode_CanonicalForDedup(t *testing.T) {
	// 幂等保护直接比较编码字节，同一条 delta 的编码必须稳定
	d := Delta{
		{Kind: KindRetain, Count: 3},
		{Kind: KindInsert, Text: "x", Attrs: map[string]any{"bold": true, "color": "red"}},
		{Kind: KindDelete, Count: 1},
	}
	a, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	b, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding not canonical: %s vs %s", a, b)
	}
}

func TestDecode_QuillWireFormat(t *testing.T) {
	raw := []byte(`{"ops":[{"retain":2},{"insert":"Hi","attributes":{"bold":true}},{"delete":1}]}`)
	d, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(d) != 3 {
		t.Fatalf("Decode() len = %d, want 3", len(d))
	}
	if d[0].Kind != KindRetain || d[0].Count != 2 {
		t.Fatalf("op[0] = %+v", d[0])
	}
	if d[1].Kind != KindInsert || d[1].Text != "Hi" || d[1].Attrs["bold"] != true {
		t.Fatalf("op[1] = %+v", d[1])
	}
	if d[2].Kind != KindDelete || d[2].Count != 1 {
		t.Fatalf("op[2] = %+v", d[2])
	}
}

func TestDecode_Empty(t *testing.T) {
	d, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil) error = %v", err)
	}
	if len(d) != 0 {
		t.Fatalf("Decode(nil) = %v, want empty", d)
	}
	if d.DocLength() != 0 {
		t.Fatalf("DocLength() = %d, want 0", d.DocLength())
	}
}

func TestDocLength_Runes(t *testing.T) {
	d := Delta{{Kind: KindInsert, Text: "héllo"}, {Kind: KindInsert, Text: "你好"}}
	if got := d.DocLength(); got != 7 {
		t.Fatalf("DocLength() = %d, want 7", got)
	}
}
