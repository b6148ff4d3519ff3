package tui

import (
	"errors"

	tea "github.com/charmbracelet/bubbletea"
)

// Run 封装 Bubble Tea 入口，阻塞到用户退出。
func Run(opts Options) error {
	// 文档可能来自 stdin，按键输入固定走 TTY。
	program := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithInputTTY())
	m, err := program.Run()
	if err != nil {
		return err
	}
	if _, ok := m.(*Model); !ok {
		return errors.New("unexpected tui model")
	}
	return nil
}
