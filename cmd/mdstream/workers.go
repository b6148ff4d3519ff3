package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mdstream/internal/formula"
	"mdstream/internal/offthread"
)

// 内置渲染引擎：进程内的 RenderFunc，对核心而言与真实排版引擎
// 一样是不透明的离线渲染器。失败以错误返回，由客户端包装为
// RenderError 触发降级。

func formulaRenderFunc() offthread.RenderFunc {
	return func(ctx context.Context, p offthread.Payload) (string, error) {
		src := strings.TrimSpace(p.Content)
		if src == "" {
			return "", errors.New("empty formula")
		}
		if err := checkBalanced(src); err != nil {
			return "", err
		}
		body := collapseSpaces(strings.Trim(src, "$"))
		if p.Mode == string(formula.DisplayInline) {
			return "⟨" + body + "⟩", nil
		}
		return "⎡ " + body + " ⎤", nil
	}
}

func checkBalanced(src string) error {
	depth := 0
	for _, r := range src {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return errors.New("unbalanced braces")
			}
		}
	}
	if depth != 0 {
		return errors.New("unbalanced braces")
	}
	if strings.Count(src, "$")%2 != 0 {
		return errors.New("unbalanced math delimiters")
	}
	return nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var diagramHeaders = []string{
	"graph", "flowchart", "sequenceDiagram", "classDiagram",
	"stateDiagram", "erDiagram", "journey", "gantt", "pie",
}

// diagramRenderFunc 支持两种模式：parse 只做结构校验，render:* 产出
// 简单的框线文本。悬空连接符尾行视为结构错误，驱动前缀降级路径。
func diagramRenderFunc() offthread.RenderFunc {
	return func(ctx context.Context, p offthread.Payload) (string, error) {
		lines := diagramLines(p.Content)
		if len(lines) == 0 {
			return "", errors.New("empty diagram")
		}
		if !validHeader(lines[0]) {
			return "", fmt.Errorf("unknown diagram type: %q", firstWord(lines[0]))
		}
		if hasDanglingTail(lines[len(lines)-1]) {
			return "", errors.New("incomplete edge at end of input")
		}
		if !strings.HasPrefix(p.Mode, "render") {
			return "ok", nil
		}

		var b strings.Builder
		b.WriteString("┌ " + firstWord(lines[0]) + " ┐\n")
		for _, line := range lines[1:] {
			b.WriteString("│ " + line + "\n")
		}
		b.WriteString("└─┘")
		return b.String(), nil
	}
}

// diagramValidator 是离线校验不可用时的进程内回退。
func diagramValidator(ctx context.Context, source string) error {
	lines := diagramLines(source)
	if len(lines) == 0 {
		return errors.New("empty diagram")
	}
	if !validHeader(lines[0]) {
		return fmt.Errorf("unknown diagram type: %q", firstWord(lines[0]))
	}
	return nil
}

func diagramLines(source string) []string {
	var out []string
	for _, line := range strings.Split(source, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func validHeader(line string) bool {
	word := firstWord(line)
	for _, h := range diagramHeaders {
		if word == h {
			return true
		}
	}
	return false
}

func firstWord(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

var danglingSuffixes = []string{"-->", "---", "==>", "-.->", "--o", "--x", "--", "-.", "==", "<-", "<"}

func hasDanglingTail(line string) bool {
	for _, suffix := range danglingSuffixes {
		if strings.HasSuffix(line, suffix) {
			return true
		}
	}
	return false
}
