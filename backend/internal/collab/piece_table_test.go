package collab

import (
	"errors"
	"testing"

	"docsync/backend/internal/ot"
	"docsync/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},               // 跳过 "Hello"
		{Kind: delta.KindInsert, Text: " collaborative"}, // 在 pos=5 插入
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")
	_ = pt.Apply(delta.Delta{}.Retain(5, nil).Insert(" collaborative", nil))

	// 从 "o" 删到 "w"，跨越三个 piece
	d := delta.Delta{}.Retain(4, nil).Delete(17)
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hellorld"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_Format(t *testing.T) {
	pt := NewPieceTable("Hello world")
	bold := map[string]any{"bold": true}

	if err := pt.Apply(delta.Delta{}.Retain(6, nil).Retain(5, bold)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := delta.Delta{}.Insert("Hello ", nil).Insert("world", bold)
	if got := pt.Delta(); !equalDelta(got, want) {
		t.Fatalf("Delta() = %v, want %v", got, want)
	}

	// 去掉粗体后相邻 piece 重新合并成一个 insert
	if err := pt.Apply(delta.Delta{}.Retain(6, nil).Retain(5, map[string]any{"bold": nil})); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.Delta(); len(got) != 1 || got[0].Text != "Hello world" || got[0].Attrs != nil {
		t.Fatalf("Delta() = %v, want a single plain insert", got)
	}
}

func TestPieceTable_MatchesCompose(t *testing.T) {
	content := delta.Delta{}.Insert("你好", map[string]any{"italic": true}).Insert("世界", nil)
	pt := NewPieceTableFromDelta(content)
	changes := []delta.Delta{
		delta.Delta{}.Retain(1, nil).Insert("们", nil).Delete(2),
		delta.Delta{}.Retain(2, map[string]any{"color": "red"}).Insert("!", nil),
		delta.Delta{}.Delete(1),
	}
	for _, c := range changes {
		if err := pt.Apply(c); err != nil {
			t.Fatalf("Apply(%v) error = %v", c, err)
		}
		content = content.Compose(c)
		if got := pt.Delta(); !equalDelta(got, content) {
			t.Fatalf("after %v: Delta() = %v, want %v", c, got, content)
		}
	}
}

func TestPieceTable_RejectsOutOfBounds(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{}.Retain(2, nil).Delete(5))
	if !errors.Is(err, ot.ErrMalformedOperation) {
		t.Fatalf("Apply() error = %v, want ErrMalformedOperation", err)
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("String() = %q after rejected apply", got)
	}
}

func equalDelta(a, b delta.Delta) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Text != b[i].Text || a[i].Count != b[i].Count ||
			!delta.AttributesEqual(a[i].Attrs, b[i].Attrs) {
			return false
		}
	}
	return true
}
