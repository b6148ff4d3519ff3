package render

import (
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Viewport 包装 bubbles viewport，提供 diff 感知的内容同步与滚动封装。
type Viewport struct {
	viewport.Model
	lastLines []string
}

// NewViewport 创建视口；Bubble Tea v1 推荐默认渲染器。
func NewViewport(width, height int) Viewport {
	vp := viewport.New(width, height)
	return Viewport{Model: vp}
}

// Resize 更新宽高；宽度变化时强制下次全量同步。
func (v *Viewport) Resize(width, height int) {
	if v == nil {
		return
	}
	if v.Width == width && v.Height == height {
		return
	}
	if v.Width != width {
		v.lastLines = nil
	}
	v.Width = width
	v.Height = height
}

// HandleUpdate 代理 bubbles 的 Update，保持内部状态。
func (v *Viewport) HandleUpdate(msg tea.Msg) tea.Cmd {
	if v == nil {
		return nil
	}
	var cmd tea.Cmd
	v.Model, cmd = v.Model.Update(msg)
	return cmd
}

// SetLines 更新内容。之前贴底时保持贴底（流式追加的常态）。
func (v *Viewport) SetLines(lines []string) {
	if v == nil {
		return
	}
	if slices.Equal(lines, v.lastLines) {
		return
	}
	stickToBottom := v.AtBottom()
	v.lastLines = append([]string(nil), lines...)
	v.SetContent(strings.Join(lines, "\n"))
	if stickToBottom {
		v.GotoBottom()
	}
}

// VisibleRange 返回当前可见的行区间 [start, end)。
func (v *Viewport) VisibleRange() (start, end int) {
	if v == nil {
		return 0, 0
	}
	start = v.YOffset
	end = start + v.Height
	if end > len(v.lastLines) {
		end = len(v.lastLines)
	}
	return start, end
}
