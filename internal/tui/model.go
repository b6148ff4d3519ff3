package tui

import (
	"fmt"

	"mdstream/internal/node"
	"mdstream/internal/pipeline"
	"mdstream/internal/tui/render"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Options 配置交互式浏览界面。
type Options struct {
	Loop     *pipeline.Loop
	Observer *ViewObserver
	// Clipboard 为 false 时禁用复制按键。
	Clipboard bool
	Title     string
}

type refreshMsg struct{}

var statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Reverse(true)

// Model 是 Bubble Tea 模型：消费渲染循环的决策快照，向其回灌滚动
// 焦点与可见性，并把实际渲染高度写回高度表。
type Model struct {
	loop   *pipeline.Loop
	obs    *ViewObserver
	styles render.Styles

	vp    render.Viewport
	ready bool

	// lineIndex 把视口行映射回节点索引；spacer 与分隔行为 -1。
	lineIndex []int
	snap      pipeline.Snapshot

	clipboard bool
	title     string
	notice    string
	quitting  bool
}

// New 创建模型。
func New(opts Options) *Model {
	return &Model{
		loop:      opts.Loop,
		obs:       opts.Observer,
		styles:    render.DefaultStyles(),
		clipboard: opts.Clipboard,
		title:     opts.Title,
	}
}

// Init 实现 tea.Model。
func (m *Model) Init() tea.Cmd {
	return m.waitUpdates()
}

// waitUpdates 阻塞等待渲染循环的下一次决策变化。
func (m *Model) waitUpdates() tea.Cmd {
	return func() tea.Msg {
		<-m.loop.Updates()
		return refreshMsg{}
	}
}

// Update 实现 tea.Model。
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.vp.Resize(msg.Width, msg.Height-1)
		if !m.ready {
			m.vp = render.NewViewport(msg.Width, msg.Height-1)
			m.ready = true
		}
		m.rebuild()
		return m, nil

	case refreshMsg:
		m.rebuild()
		return m, m.waitUpdates()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	cmd := m.vp.HandleUpdate(msg)
	m.syncVisibility()
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		m.vp.ScrollUp(1)
	case "down", "j":
		m.vp.ScrollDown(1)
	case "pgup", "b":
		m.vp.PageUp()
	case "pgdown", "f", " ":
		m.vp.PageDown()
	case "g":
		m.vp.GotoTop()
	case "G":
		m.vp.GotoBottom()
	case "c":
		m.copyFocused()
	default:
		return m, nil
	}
	m.syncVisibility()
	return m, nil
}

// rebuild 从最新快照重建视口内容，并把物化槽的实际高度写回高度表。
func (m *Model) rebuild() {
	if !m.ready {
		return
	}
	m.snap = m.loop.Snapshot()

	lines := make([]string, 0, m.vp.Height*2)
	index := make([]int, 0, cap(lines))
	appendLines := func(ls []string, i int) {
		for _, l := range ls {
			lines = append(lines, l)
			index = append(index, i)
		}
	}

	appendLines(render.SpacerLines(m.snap.Lead), -1)
	for _, d := range m.snap.Decisions {
		var ls []string
		if d.State == node.SlotMaterialized {
			ls = render.SlotLines(d, m.vp.Width, 0, m.styles)
			m.loop.ObserveHeight(d.Index, len(ls))
		} else {
			ls = render.SlotLines(d, m.vp.Width, m.loop.EstimateHeight(d.Index), m.styles)
		}
		appendLines(ls, d.Index)
		appendLines([]string{""}, -1)
	}
	appendLines(render.SpacerLines(m.snap.Trail), -1)

	m.lineIndex = index
	m.vp.SetLines(lines)
	m.syncVisibility()
}

// syncVisibility 上报视口内的节点区间：最大可见索引喂焦点棘轮，
// 可见目标集合喂可见性观察器。
func (m *Model) syncVisibility() {
	if !m.ready || len(m.lineIndex) == 0 {
		return
	}
	start, end := m.vp.VisibleRange()
	lo, hi := -1, -1
	for _, i := range m.lineIndex[clamp(start, len(m.lineIndex)):clamp(end, len(m.lineIndex))] {
		if i < 0 {
			continue
		}
		if lo == -1 || i < lo {
			lo = i
		}
		if i > hi {
			hi = i
		}
	}
	if hi < 0 {
		return
	}
	if m.obs != nil {
		m.obs.Sync(func(target string, margin int) bool {
			i, ok := pipeline.ParseSlotTarget(target)
			if !ok {
				return false
			}
			return i >= lo-margin && i <= hi+margin
		})
	}
	m.loop.SetFocus(hi)
}

// copyFocused 把视口底部槽位的源文本复制到系统剪贴板。
func (m *Model) copyFocused() {
	if !m.clipboard {
		return
	}
	start, end := m.vp.VisibleRange()
	focus := -1
	for _, i := range m.lineIndex[clamp(start, len(m.lineIndex)):clamp(end, len(m.lineIndex))] {
		if i > focus {
			focus = i
		}
	}
	if focus < 0 {
		return
	}
	for _, d := range m.snap.Decisions {
		if d.Index == focus {
			if err := clipboard.WriteAll(d.Node.Content); err != nil {
				m.notice = "copy failed"
			} else {
				m.notice = fmt.Sprintf("copied node %d", focus)
			}
			return
		}
	}
}

// View 实现 tea.Model。
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "loading…"
	}
	return m.vp.View() + "\n" + m.statusLine()
}

func (m *Model) statusLine() string {
	s := fmt.Sprintf(" %s  rendered %d/%d  window [%d,%d)",
		m.title, m.snap.Rendered, m.snap.Total, m.snap.Window.Start, m.snap.Window.End)
	if m.notice != "" {
		s += "  " + m.notice
	}
	return statusStyle.Width(m.vp.Width).Render(s)
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
