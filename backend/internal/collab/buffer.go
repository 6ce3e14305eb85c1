package collab

import (
	"docsync/backend/internal/ot/delta"
)

// 抽象文档内容缓冲区接口，会话持有的实时内容
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
	// Delta 以只含 insert 的 delta 导出内容（含样式）
	Delta() delta.Delta
}

var _ Buffer = (*PieceTable)(nil)

/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空 (`""`)
- piece 表：


[ (orig, offset=0, length=11, attrs=nil) ]  // 整个文档


在位置 5 插入 `" collaborative"`（无样式）：
- 在 **add buffer** 末尾追加 `" collaborative"`：
  - add buffer = `" collaborative"`
- piece 表从一条拆成三条：


[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=13),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]

再对 [0,5) 加粗（retain 5 {bold:true}），只改第一条 piece 的 attrs，文字不动。
*/
