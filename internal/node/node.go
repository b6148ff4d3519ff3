package node

import "fmt"

// Type 标识节点的结构类别，由分段器（segment）在解析时赋值。
type Type string

const (
	TypeParagraph Type = "paragraph"
	TypeHeading   Type = "heading"
	TypeCode      Type = "code"
	TypeDiagram   Type = "diagram"
	TypeFormula   Type = "formula"
	TypeList      Type = "list"
	TypeQuote     Type = "quote"
	TypeTable     Type = "table"
	TypeRule      Type = "rule"
	TypeHTML      Type = "html"
)

// Node 是解析序列中的一项。Content 对调度核心不透明；Info 携带
// 类型相关的附加信息（代码语言、标题级别等）。
type Node struct {
	Type    Type
	Index   int
	Content string
	Info    string
}

// Sequence 是一次解析产出的完整节点序列快照。序列整体可替换：
// 新的文档状态就是新的 Sequence，按 Key 比较身份，不做原地 diff。
type Sequence struct {
	Nodes []Node
	// Key 是数据集身份。调用方可显式提供；为空时以节点总数兜底。
	Key string
}

// Total 返回序列的节点总数。
func (s Sequence) Total() int {
	return len(s.Nodes)
}

// Identity 返回用于重置检测的身份串。
func (s Sequence) Identity() string {
	if s.Key != "" {
		return s.Key
	}
	return fmt.Sprintf("len:%d", len(s.Nodes))
}

// SlotState 描述单个索引位置的渲染槽状态。
type SlotState int

const (
	// SlotUnmounted 表示槽不在虚拟化窗口内。
	SlotUnmounted SlotState = iota
	// SlotPlaceholder 表示槽已挂载但尚未达到物化条件。
	SlotPlaceholder
	// SlotMaterialized 表示槽已产出内容。
	SlotMaterialized
)

func (s SlotState) String() string {
	switch s {
	case SlotPlaceholder:
		return "placeholder"
	case SlotMaterialized:
		return "materialized"
	default:
		return "unmounted"
	}
}
