package delta

import "math"

const infinity = math.MaxInt

// iterator 按长度切分地遍历 delta，遍历完后视为无限长的 retain
type iterator struct {
	ops    Delta
	index  int
	offset int
}

func newIterator(d Delta) *iterator {
	return &iterator{ops: d}
}

func (it *iterator) hasNext() bool {
	return it.peekLength() < infinity
}

func (it *iterator) peekLength() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].Len() - it.offset
	}
	return infinity
}

func (it *iterator) peekKind() Kind {
	if it.index < len(it.ops) {
		return it.ops[it.index].Kind
	}
	return KindRetain
}

// next 取出最多 length 个字符的 op
func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Kind: KindRetain, Count: length}
	}
	op := it.ops[it.index]
	offset := it.offset
	remain := op.Len() - offset
	if length >= remain {
		length = remain
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	switch op.Kind {
	case KindDelete:
		return Op{Kind: KindDelete, Count: length}
	case KindRetain:
		return Op{Kind: KindRetain, Count: length, Attrs: op.Attrs}
	default:
		r := []rune(op.Text)
		return Op{Kind: KindInsert, Text: string(r[offset : offset+length]), Attrs: op.Attrs}
	}
}

func (it *iterator) nextAll() Op {
	return it.next(infinity)
}

// Compose 返回依次应用 d 和 other 的等价 delta
func (d Delta) Compose(other Delta) Delta {
	a, b := newIterator(d), newIterator(other)
	var out Delta
	for a.hasNext() || b.hasNext() {
		switch {
		case b.peekKind() == KindInsert:
			out = out.Push(b.nextAll())
		case a.peekKind() == KindDelete:
			out = out.Push(a.nextAll())
		default:
			length := min(a.peekLength(), b.peekLength())
			aOp := a.next(length)
			bOp := b.next(length)
			switch bOp.Kind {
			case KindRetain:
				op := Op{Kind: KindRetain, Count: length}
				if aOp.Kind == KindInsert {
					op = Op{Kind: KindInsert, Text: aOp.Text}
				}
				op.Attrs = ComposeAttributes(aOp.Attrs, bOp.Attrs, aOp.Kind == KindRetain)
				out = out.Push(op)
			case KindDelete:
				// insert 后又被删掉，两者抵消
				if aOp.Kind == KindRetain {
					out = out.Push(bOp)
				}
			}
		}
	}
	return out.Chop()
}

// Transform 把 other 变换到 d 之后：d 已经应用，返回的 delta 可以直接作用在应用了 d 的文档上。
// priority 为 true 表示 d 先发生：同一位置的插入 d 在前，属性冲突以 d 为准。
func (d Delta) Transform(other Delta, priority bool) Delta {
	a, b := newIterator(d), newIterator(other)
	var out Delta
	for a.hasNext() || b.hasNext() {
		switch {
		case a.peekKind() == KindInsert && (priority || b.peekKind() != KindInsert):
			out = out.Retain(a.nextAll().Len(), nil)
		case b.peekKind() == KindInsert:
			out = out.Push(b.nextAll())
		default:
			length := min(a.peekLength(), b.peekLength())
			aOp := a.next(length)
			bOp := b.next(length)
			switch {
			case aOp.Kind == KindDelete:
				// 这段已经被 d 删除，other 对它的 retain/delete 都失效（重叠删除只删一次）
				continue
			case bOp.Kind == KindDelete:
				out = out.Push(bOp)
			default:
				out = out.Retain(length, TransformAttributes(aOp.Attrs, bOp.Attrs, priority))
			}
		}
	}
	return out.Chop()
}
