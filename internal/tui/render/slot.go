package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"mdstream/internal/diagram"
	"mdstream/internal/node"
	"mdstream/internal/pipeline"
)

// Styles 是槽位渲染的样式集。
type Styles struct {
	Heading     lipgloss.Style
	Code        lipgloss.Style
	Meta        lipgloss.Style
	Placeholder lipgloss.Style
	Error       lipgloss.Style
}

// DefaultStyles 返回默认样式。
func DefaultStyles() Styles {
	return Styles{
		Heading:     lipgloss.NewStyle().Bold(true),
		Code:        lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		Meta:        lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true),
		Placeholder: lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
		Error:       lipgloss.NewStyle().Foreground(lipgloss.Color("167")),
	}
}

// SlotLines 把一个槽位决策渲染为终端行。占位槽按估计高度占行，
// 保持滚动位置稳定。
func SlotLines(d pipeline.Decision, width, estHeight int, st Styles) []string {
	if d.State != node.SlotMaterialized {
		return placeholderLines(width, estHeight, st)
	}

	switch d.Node.Type {
	case node.TypeHeading:
		lines := wrapText(d.Node.Content, width)
		return styleAll(lines, st.Heading)
	case node.TypeCode:
		return codeLines(d.Node.Content, d.Node.Info, width, st)
	case node.TypeDiagram:
		return diagramLines(d, width, st)
	case node.TypeFormula:
		return formulaLines(d, width, st)
	default:
		return wrapText(d.Node.Content, width)
	}
}

// SpacerLines 生成窗口外节点折算的空行。
func SpacerLines(height int) []string {
	if height <= 0 {
		return nil
	}
	return make([]string, height)
}

func placeholderLines(width, height int, st Styles) []string {
	if height <= 0 {
		height = 1
	}
	glyph := strings.Repeat("░", min(width, 24))
	out := make([]string, height)
	for i := range out {
		out[i] = st.Placeholder.Render(glyph)
	}
	return out
}

func codeLines(content, lang string, width int, st Styles) []string {
	out := []string{st.Meta.Render("▌ " + langLabel(lang))}
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		out = append(out, st.Code.Render(truncate(line, width)))
	}
	return out
}

func diagramLines(d pipeline.Decision, width int, st Styles) []string {
	if d.Pending && d.Diagram == nil {
		return []string{st.Meta.Render("▌ diagram rendering…")}
	}
	out := d.Diagram
	if out == nil {
		return codeLines(d.Node.Content, "diagram", width, st)
	}
	switch out.Mode {
	case diagram.ModeFull:
		return payloadLines(out.Payload, "diagram", width, st)
	case diagram.ModePartial:
		return payloadLines(out.Payload, "diagram (partial)", width, st)
	case diagram.ModeSource:
		return codeLines(out.Source, "diagram source", width, st)
	default:
		msg := "diagram failed"
		if out.Err != nil {
			msg = "diagram failed: " + out.Err.Error()
		}
		return []string{st.Error.Render(truncate(msg, width))}
	}
}

func formulaLines(d pipeline.Decision, width int, st Styles) []string {
	if d.Pending && d.Formula == "" && d.Err == nil {
		return []string{st.Meta.Render("▌ formula rendering…")}
	}
	if d.Err != nil || d.Formula == "" {
		// 渲染失败：回退为源码文本。
		return codeLines(d.Node.Content, "formula source", width, st)
	}
	return payloadLines(d.Formula, "formula", width, st)
}

func payloadLines(payload, label string, width int, st Styles) []string {
	out := []string{st.Meta.Render("▌ " + label)}
	for _, line := range strings.Split(strings.TrimRight(payload, "\n"), "\n") {
		out = append(out, truncate(line, width))
	}
	return out
}

func styleAll(lines []string, style lipgloss.Style) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = style.Render(line)
	}
	return out
}

func langLabel(lang string) string {
	if lang == "" {
		return "code"
	}
	return lang
}

func truncate(line string, width int) string {
	if width <= 0 {
		return line
	}
	return runewidth.Truncate(line, width, "…")
}
