package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"mdstream/internal/config"
	"mdstream/internal/diagram"
	"mdstream/internal/features"
	"mdstream/internal/node"
	"mdstream/internal/pipeline"
	"mdstream/internal/segment"
)

// renderMain 是一次性的非交互渲染：读入整个文档，同步推进到全量，
// 等在途的离线渲染收敛后打印逐槽决策。适合脚本消费。
func renderMain(root rootArgs, args []string) {
	var overrides stringSlice
	var filePath string
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	fs.StringVar(&filePath, "f", "", "Read document from file instead of stdin")
	fs.Var(&overrides, "c", "Override config value key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parse render args: %v", err)
	}
	if filePath == "" && fs.NArg() > 0 {
		filePath = fs.Arg(0)
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg = config.ApplyKVOverrides(cfg, prependOverrides(root.overrides, []string(overrides)))

	// 一次性模式：批量与可见性门都没有意义，全量同步物化。
	feats := features.Resolve(cfg.Features)
	feats["batching"] = false
	feats["defer_until_visible"] = false
	feats["virtualization"] = false

	loop, cleanup := buildLoop(cfg, feats)
	defer cleanup()

	source, err := readAll(filePath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	seg := segment.NewSegmenter(cfg.DatasetKey)
	seg.Append(source)
	loop.Apply(seg.Current())

	waitSettled(loop, cfg.WorkerTimeout())

	snap := loop.Snapshot()
	for _, d := range snap.Decisions {
		line := fmt.Sprintf("%04d\t%s\t%s", d.Index, d.Node.Type, d.State)
		if d.Node.Type == node.TypeDiagram && d.Diagram != nil {
			line += "\t" + string(d.Diagram.Mode)
			if d.Diagram.Mode == diagram.ModeError && d.Diagram.Err != nil {
				line += "\t" + d.Diagram.Err.Error()
			}
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func readAll(filePath string) (string, error) {
	if filePath == "" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(filePath)
	return string(data), err
}

// waitSettled 等待所有在途离线渲染完成或超时。
func waitSettled(loop *pipeline.Loop, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		if !anyPending(loop.Snapshot()) {
			return
		}
		select {
		case <-loop.Updates():
		case <-deadline:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func anyPending(snap pipeline.Snapshot) bool {
	for _, d := range snap.Decisions {
		if d.Pending {
			return true
		}
	}
	return false
}
