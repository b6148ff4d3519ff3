package diagram

import (
	"regexp"
	"strings"
)

// DanglingPolicy 判定图表源码末尾哪些行“明显悬空”（未完的连接符、
// 未闭合的边）。它是可替换的策略对象，默认规则集不保证穷尽所有
// 连接符语法。
type DanglingPolicy interface {
	// TrimDangling 返回去掉悬空后缀之后的最长安全前缀。
	// 返回空串表示没有可渲染的前缀。
	TrimDangling(source string) string
}

// regexpPolicy 以逐行正则从尾部裁剪。
type regexpPolicy struct {
	dangling []*regexp.Regexp
	header   *regexp.Regexp
}

var defaultDangling = []*regexp.Regexp{
	// 以连接符结尾的行：A --> / A --- / A ==> / A -.->
	regexp.MustCompile(`(-->|---|==>|-\.->|\.\.>|--o|--x)\s*$`),
	// 未闭合的边：以 -- / -. / == / <- 收尾
	regexp.MustCompile(`(--|-\.|==|<)-?\s*$`),
}

var defaultHeader = regexp.MustCompile(
	`^\s*(graph|flowchart|sequenceDiagram|classDiagram|stateDiagram(-v2)?|erDiagram|gantt|pie|journey|mindmap|timeline)(\s+\S+)?\s*$`)

// DefaultPolicy 返回默认的悬空后缀规则集。
func DefaultPolicy() DanglingPolicy {
	return regexpPolicy{dangling: defaultDangling, header: defaultHeader}
}

func (p regexpPolicy) TrimDangling(source string) string {
	lines := strings.Split(strings.TrimRight(source, "\n"), "\n")
	end := len(lines)
	for end > 0 {
		line := strings.TrimRight(lines[end-1], " \t")
		if strings.TrimSpace(line) == "" {
			end--
			continue
		}
		if p.isDangling(line) {
			end--
			continue
		}
		break
	}
	if end == 0 {
		return ""
	}
	rest := lines[:end]
	// 只剩类型声明头，后面什么都没有：同样视作悬空。
	if len(rest) == 1 && p.header.MatchString(rest[0]) {
		return ""
	}
	return strings.Join(rest, "\n")
}

func (p regexpPolicy) isDangling(line string) bool {
	for _, re := range p.dangling {
		if re.MatchString(line) {
			return true
		}
	}
	// 未闭合的 |label| 文本：竖线数为奇数。
	return strings.Count(line, "|")%2 == 1
}
