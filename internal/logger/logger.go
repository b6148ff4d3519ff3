package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 是带字段的日志入口。调用方经由本包取得入口，不直接依赖 logrus。
type LogEntry = logrus.Entry

// DefaultLogPath 默认日志文件路径。TUI 独占终端，日志只写文件。
const DefaultLogPath = "logs/mdstream.log"

var std = logrus.StandardLogger()

// Configure 设置全局格式与 caller 标注。进程入口调用一次。
func Configure() {
	std.SetReportCaller(true)
	std.SetFormatter(PlainFormatter{})
}

// SetupFile 把全局日志重定向到指定文件（空路径取 DefaultLogPath），
// 返回文件 closer 与实际路径。
func SetupFile(logPath string) (io.Closer, string, error) {
	if logPath == "" {
		logPath = DefaultLogPath
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, "", err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", err
	}
	std.SetOutput(f)
	return f, logPath, nil
}

// Entry 返回未附加字段的全局入口。
func Entry() *LogEntry {
	return logrus.NewEntry(std)
}

// Named 返回附加 component 字段的入口，渲染循环的各组件用它区分来源。
func Named(component string) *LogEntry {
	if component == "" {
		return Entry()
	}
	return Entry().WithField("component", component)
}

// PlainFormatter 输出 `caller [timestamp] [LEVEL] [component] message k=v`。
// 键值区按键名排序；component 与 caller 不重复出现在键值区。
type PlainFormatter struct{}

// Format 实现 logrus.Formatter。
func (PlainFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if entry == nil {
		return nil, nil
	}
	var b strings.Builder
	if ref := callerRef(entry); ref != "" {
		b.WriteString(ref)
		b.WriteByte(' ')
	}
	b.WriteByte('[')
	b.WriteString(entry.Time.UTC().Format(time.RFC3339Nano))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(entry.Level.String()))
	b.WriteByte(']')
	if c, ok := entry.Data["component"].(string); ok && c != "" {
		b.WriteString(" [")
		b.WriteString(c)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	writeFields(&b, entry.Data)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// callerRef 优先取运行时 caller；没有时允许调用方以 caller 字段自述。
func callerRef(entry *logrus.Entry) string {
	if entry.HasCaller() && entry.Caller != nil {
		return fmt.Sprintf("%s:%d", shortenFilePath(entry.Caller.File), entry.Caller.Line)
	}
	if ref, ok := entry.Data["caller"].(string); ok {
		return ref
	}
	return ""
}

func writeFields(b *strings.Builder, data logrus.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k != "component" && k != "caller" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, data[k])
	}
}

// shortenFilePath 把绝对源码路径缩短为模块内相对路径。
func shortenFilePath(file string) string {
	file = filepath.ToSlash(file)
	for _, marker := range []string{"/internal/", "/cmd/"} {
		if idx := strings.Index(file, marker); idx != -1 {
			return file[idx+1:]
		}
	}
	return filepath.Base(file)
}
