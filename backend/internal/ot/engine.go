package ot

import (
	"errors"
	"fmt"
)

var ErrMalformedOperation = errors.New("MALFORMED_OPERATION")

// TieBreak 决定同一位置并发插入（以及同一区间属性冲突）的先后
type TieBreak string

const (
	// LowerFirst：clientId 小的在前，相同 clientId 按 clock 早的在前
	LowerFirst TieBreak = "lower-first"
	// HigherFirst：clientId 大的在前
	HigherFirst TieBreak = "higher-first"
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", LowerFirst:
		return LowerFirst, nil
	case HigherFirst:
		return HigherFirst, nil
	}
	return "", fmt.Errorf("unknown tie-break policy %q", s)
}

type Engine struct {
	tieBreak TieBreak
}

func NewEngine(tb TieBreak) *Engine {
	if tb == "" {
		tb = LowerFirst
	}
	return &Engine{tieBreak: tb}
}

func (e *Engine) TieBreak() TieBreak { return e.tieBreak }

// precedes 判断 a 与 b 冲突时 a 是否排在前面
func (e *Engine) precedes(a, b Operation) bool {
	if a.ClientID == b.ClientID {
		return a.Clock < b.Clock
	}
	if e.tieBreak == HigherFirst {
		return a.ClientID > b.ClientID
	}
	return a.ClientID < b.ClientID
}

// Rebase 把 op 依次变换到 concurrent 中每个已接受的操作之后。
// concurrent 必须按接受顺序排列；op.Clock 应已赋值为即将分配的时钟。
// 返回的操作可以直接作用在应用了全部 concurrent 的文档上。
func (e *Engine) Rebase(op Operation, concurrent []Operation) (Operation, error) {
	if len(op.Delta) == 0 {
		return Operation{}, fmt.Errorf("%w: empty delta", ErrMalformedOperation)
	}
	if err := op.Delta.Validate(); err != nil {
		return Operation{}, fmt.Errorf("%w: %w", ErrMalformedOperation, err)
	}
	out := op
	d := op.Delta.Clone()
	for _, c := range concurrent {
		if !c.Concurrent(op.BaseClock) {
			continue
		}
		d = c.Delta.Transform(d, e.precedes(c, op))
	}
	out.Delta = d
	return out, nil
}

// Fit 检查 op 的 retain+delete 跨度没有超出当前内容长度
func (e *Engine) Fit(op Operation, length int) error {
	if n := op.Delta.BaseLength(); n > length {
		return fmt.Errorf("%w: op spans %d characters but the document has %d", ErrMalformedOperation, n, length)
	}
	return nil
}
