package collab

import (
	"fmt"
	"slices"
	"strings"

	"docsync/backend/internal/ot"
	"docsync/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
	// 这一段文字的样式；只会被整体替换，不会原地修改，所以拆分时可以共享
	attrs map[string]any
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	return NewPieceTableFromDelta(delta.Delta{}.Insert(initial, nil))
}

// NewPieceTableFromDelta 用一份文档内容（只含 insert 的 delta）初始化
func NewPieceTableFromDelta(content delta.Delta) *PieceTable {
	pt := &PieceTable{}
	for _, op := range content {
		if op.Kind != delta.KindInsert {
			continue
		}
		r := []rune(op.Text)
		pt.pieces = append(pt.pieces, piece{buf: bufOriginal, offset: len(pt.original), length: len(r), attrs: op.Attrs})
		pt.original = append(pt.original, r...)
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) text(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.text(p)))
	}
	return sb.String()
}

// Delta 导出当前内容，相邻同样式的 piece 会被合并
func (pt *PieceTable) Delta() delta.Delta {
	var d delta.Delta
	for _, p := range pt.pieces {
		d = d.Insert(string(pt.text(p)), p.attrs)
	}
	return d
}

// Apply 依次执行 delta 中的 op：
// retain 移动 pos（带属性时格式化这一段），insert 在 pos 插入，delete 删掉 pos 之后的一段。
// 越界或结构非法的 delta 不会修改任何内容。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ot.ErrMalformedOperation, err)
	}
	if n, length := d.BaseLength(), pt.Len(); n > length {
		return fmt.Errorf("%w: delta spans %d characters but the buffer has %d", ot.ErrMalformedOperation, n, length)
	}

	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if op.Attrs != nil {
				from, to := pt.split(pos), pt.split(pos+op.Count)
				for i := from; i < to; i++ {
					pt.pieces[i].attrs = delta.ComposeAttributes(pt.pieces[i].attrs, op.Attrs, false)
				}
			}
			pos += op.Count

		case delta.KindInsert:
			r := []rune(op.Text)
			start := len(pt.add)
			pt.add = append(pt.add, r...)
			idx := pt.split(pos)
			pt.pieces = slices.Insert(pt.pieces, idx, piece{buf: bufAdd, offset: start, length: len(r), attrs: op.Attrs})
			pos += len(r)

		case delta.KindDelete:
			from, to := pt.split(pos), pt.split(pos+op.Count)
			pt.pieces = slices.Delete(pt.pieces, from, to)
		}
	}
	return nil
}

// split 保证 pos 落在 piece 边界上，返回从 pos 开始的 piece 下标
func (pt *PieceTable) split(pos int) int {
	idx, offset := pt.locate(pos)
	if offset == 0 {
		return idx
	}
	cur := pt.pieces[idx]
	left, right := cur, cur
	left.length = offset
	right.offset += offset
	right.length -= offset
	pt.pieces[idx] = left
	pt.pieces = slices.Insert(pt.pieces, idx+1, right)
	return idx + 1
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
