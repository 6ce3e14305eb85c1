package delta

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrInvalidDelta = errors.New("INVALID_DELTA")

// MaxLength 限制单个 delta 的 retain/delete 总跨度与 insert 总长度，累加不会溢出 int
const MaxLength = 1 << 30

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等），retain 上的属性表示格式化
}

// Len 返回 op 覆盖的字符数（按 rune 计）
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

func (d Delta) Insert(text string, attrs map[string]any) Delta {
	if text == "" {
		return d
	}
	return d.Push(Op{Kind: KindInsert, Text: text, Attrs: normalize(attrs)})
}

func (d Delta) Retain(n int, attrs map[string]any) Delta {
	if n <= 0 {
		return d
	}
	return d.Push(Op{Kind: KindRetain, Count: n, Attrs: normalize(attrs)})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	return d.Push(Op{Kind: KindDelete, Count: n})
}

// Push 追加一个 op，并与末尾同类 op 合并。
// insert 永远排在相邻的 delete 之前，保证同一语义只有一种表示。
func (d Delta) Push(op Op) Delta {
	if op.Len() <= 0 {
		return d
	}
	idx := len(d)
	if idx > 0 {
		last := d[idx-1]
		if op.Kind == KindDelete && last.Kind == KindDelete {
			d[idx-1].Count += op.Count
			return d
		}
		if last.Kind == KindDelete && op.Kind == KindInsert {
			idx--
			if idx == 0 {
				return d.insertAt(0, op)
			}
			last = d[idx-1]
		}
		if AttributesEqual(op.Attrs, last.Attrs) {
			if op.Kind == KindInsert && last.Kind == KindInsert {
				d[idx-1].Text += op.Text
				return d
			}
			if op.Kind == KindRetain && last.Kind == KindRetain {
				d[idx-1].Count += op.Count
				return d
			}
		}
	}
	return d.insertAt(idx, op)
}

func (d Delta) insertAt(idx int, op Op) Delta {
	if idx == len(d) {
		return append(d, op)
	}
	d = append(d, Op{})
	copy(d[idx+1:], d[idx:])
	d[idx] = op
	return d
}

// Chop 去掉末尾无属性的 retain
func (d Delta) Chop() Delta {
	if n := len(d); n > 0 && d[n-1].Kind == KindRetain && d[n-1].Attrs == nil {
		return d[:n-1]
	}
	return d
}

// BaseLength 是 delta 作用前文档至少需要的长度（retain + delete）
func (d Delta) BaseLength() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// Length 是 delta 中所有 op 覆盖的长度之和
func (d Delta) Length() int {
	n := 0
	for _, op := range d {
		n += op.Len()
	}
	return n
}

// IsDocument 判断 delta 是否只由 insert 组成（即一份文档内容）
func (d Delta) IsDocument() bool {
	for _, op := range d {
		if op.Kind != KindInsert {
			return false
		}
	}
	return true
}

// Text 拼接所有 insert 的文本
func (d Delta) Text() string {
	var sb strings.Builder
	for _, op := range d {
		if op.Kind == KindInsert {
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}

// Validate 检查每个 op 的结构是否合法，并且 BaseLength / Length 都不超过 MaxLength
func (d Delta) Validate() error {
	base, length := 0, 0
	for i, op := range d {
		switch op.Kind {
		case KindInsert:
			if op.Text == "" || op.Count != 0 {
				return fmt.Errorf("%w: op %d: insert needs text only", ErrInvalidDelta, i)
			}
		case KindRetain:
			if op.Count <= 0 || op.Text != "" {
				return fmt.Errorf("%w: op %d: retain needs a positive count", ErrInvalidDelta, i)
			}
		case KindDelete:
			if op.Count <= 0 || op.Text != "" || len(op.Attrs) > 0 {
				return fmt.Errorf("%w: op %d: delete needs a positive count and no attrs", ErrInvalidDelta, i)
			}
		default:
			return fmt.Errorf("%w: op %d: unknown kind %q", ErrInvalidDelta, i, op.Kind)
		}
		// 逐个比较，先于相加，避免溢出
		n := op.Len()
		if n > MaxLength-length {
			return fmt.Errorf("%w: op %d: delta length exceeds %d", ErrInvalidDelta, i, MaxLength)
		}
		length += n
		if op.Kind != KindInsert {
			if n > MaxLength-base {
				return fmt.Errorf("%w: op %d: delta span exceeds %d", ErrInvalidDelta, i, MaxLength)
			}
			base += n
		}
	}
	return nil
}

// Clone 深拷贝，属性表也会复制
func (d Delta) Clone() Delta {
	if d == nil {
		return nil
	}
	out := make(Delta, len(d))
	for i, op := range d {
		op.Attrs = cloneAttrs(op.Attrs)
		out[i] = op
	}
	return out
}
