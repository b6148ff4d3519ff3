package segment

import (
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"mdstream/internal/node"
)

// 调度核心把解析器视为不透明的节点生产者；这里只做块级切分，
// 不保证 Markdown 解析的完备性。

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// diagramLangs 列出会被当作图表源码的 fenced code 语言。
var diagramLangs = map[string]bool{
	"mermaid": true,
}

// formulaLangs 列出会被当作公式源码的 fenced code 语言。
var formulaLangs = map[string]bool{
	"math":  true,
	"katex": true,
	"latex": true,
	"tex":   true,
}

// Split 将 Markdown 源文本切分为顶层块节点序列。
func Split(source string) []node.Node {
	src := []byte(source)
	doc := md.Parser().Parse(text.NewReader(src))

	var nodes []node.Node
	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		n, ok := classify(child, src)
		if !ok {
			continue
		}
		n.Index = len(nodes)
		nodes = append(nodes, n)
	}
	return nodes
}

func classify(n ast.Node, src []byte) (node.Node, bool) {
	switch v := n.(type) {
	case *ast.Heading:
		return node.Node{Type: node.TypeHeading, Content: blockText(n, src), Info: headingInfo(v.Level)}, true
	case *ast.FencedCodeBlock:
		lang := string(v.Language(src))
		content := codeLines(v, src)
		switch {
		case diagramLangs[strings.ToLower(lang)]:
			return node.Node{Type: node.TypeDiagram, Content: content, Info: lang}, true
		case formulaLangs[strings.ToLower(lang)]:
			return node.Node{Type: node.TypeFormula, Content: content, Info: lang}, true
		default:
			return node.Node{Type: node.TypeCode, Content: content, Info: lang}, true
		}
	case *ast.CodeBlock:
		return node.Node{Type: node.TypeCode, Content: codeLines(v, src)}, true
	case *ast.List:
		return node.Node{Type: node.TypeList, Content: blockText(n, src)}, true
	case *ast.Blockquote:
		return node.Node{Type: node.TypeQuote, Content: blockText(n, src)}, true
	case *ast.ThematicBreak:
		return node.Node{Type: node.TypeRule}, true
	case *ast.HTMLBlock:
		return node.Node{Type: node.TypeHTML, Content: codeLines(v, src)}, true
	case *east.Table:
		return node.Node{Type: node.TypeTable, Content: blockText(n, src)}, true
	case *ast.Paragraph:
		content := blockText(n, src)
		// $$...$$ 块级公式不走 goldmark 扩展，按文本形状识别。
		if t := strings.TrimSpace(content); strings.HasPrefix(t, "$$") && strings.HasSuffix(t, "$$") && len(t) > 4 {
			inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(t, "$$"), "$$"))
			return node.Node{Type: node.TypeFormula, Content: inner}, true
		}
		return node.Node{Type: node.TypeParagraph, Content: content}, true
	default:
		content := blockText(n, src)
		if content == "" {
			return node.Node{}, false
		}
		return node.Node{Type: node.TypeParagraph, Content: content}, true
	}
}

func headingInfo(level int) string {
	return strings.Repeat("#", level)
}

// codeLines 取出代码类块的原始行内容（不含围栏标记）。
func codeLines(n interface{ Lines() *text.Segments }, src []byte) string {
	lines := n.Lines()
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return strings.TrimRight(b.String(), "\n")
}

// blockText 汇总一个块（含容器块）覆盖的源文本。
func blockText(n ast.Node, src []byte) string {
	start, stop := -1, -1
	var visit func(ast.Node)
	visit = func(m ast.Node) {
		if lines := m.Lines(); lines != nil && lines.Len() > 0 {
			if s := lines.At(0).Start; start < 0 || s < start {
				start = s
			}
			if e := lines.At(lines.Len() - 1).Stop; e > stop {
				stop = e
			}
		}
		for c := m.FirstChild(); c != nil; c = c.NextSibling() {
			visit(c)
		}
	}
	visit(n)
	if start < 0 || stop <= start || stop > len(src) {
		return ""
	}
	return strings.TrimRight(string(src[start:stop]), "\n")
}

// Segmenter 面向流式输入：每次追加后整体重切，数据集身份保持稳定。
type Segmenter struct {
	buf strings.Builder
	key string
}

// NewSegmenter 创建分段器。key 为空时自动分配。
func NewSegmenter(key string) *Segmenter {
	if key == "" {
		key = uuid.NewString()
	}
	return &Segmenter{key: key}
}

// Append 追加一段源文本并返回当前的完整序列快照。
func (s *Segmenter) Append(chunk string) node.Sequence {
	s.buf.WriteString(chunk)
	return s.Current()
}

// Current 返回当前缓冲的序列快照。
func (s *Segmenter) Current() node.Sequence {
	return node.Sequence{Nodes: Split(s.buf.String()), Key: s.key}
}

// Source 返回累计的原始文本。
func (s *Segmenter) Source() string {
	return s.buf.String()
}

// Reset 清空缓冲并开启一个新的数据集身份。
func (s *Segmenter) Reset() {
	s.buf.Reset()
	s.key = uuid.NewString()
}

// Key 返回当前数据集身份。
func (s *Segmenter) Key() string {
	return s.key
}
