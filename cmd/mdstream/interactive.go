package main

import (
	"bufio"
	"flag"
	"io"
	"os"
	"time"

	"mdstream/internal/config"
	"mdstream/internal/events"
	"mdstream/internal/features"
	"mdstream/internal/formula"
	"mdstream/internal/logger"
	"mdstream/internal/offthread"
	"mdstream/internal/pipeline"
	"mdstream/internal/segment"
	"mdstream/internal/tui"
)

type interactiveArgs struct {
	cfgPath         string
	filePath        string
	follow          bool
	datasetKey      string
	configOverrides stringSlice
}

func newInteractiveFlagSet(name string) (*flag.FlagSet, *interactiveArgs) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	args := &interactiveArgs{}

	fs.StringVar(&args.cfgPath, "config", "", "Path to config file (default ~/.mdstream/config.toml)")
	fs.StringVar(&args.filePath, "f", "", "Read document from file instead of stdin")
	fs.BoolVar(&args.follow, "follow", false, "Keep reading the file as it grows (streaming input)")
	fs.StringVar(&args.datasetKey, "key", "", "Dataset identity key (reset detection)")
	fs.Var(&args.configOverrides, "c", "Override config value key=value (repeatable)")

	return fs, args
}

func runInteractive(root rootArgs, args []string) {
	fs, cli := newInteractiveFlagSet("mdstream")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parse args: %v", err)
	}
	if cli.filePath == "" && fs.NArg() > 0 {
		cli.filePath = fs.Arg(0)
	}
	cli.configOverrides = stringSlice(prependOverrides(root.overrides, []string(cli.configOverrides)))

	cfg, err := config.Load(cli.cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg = config.ApplyKVOverrides(cfg, []string(cli.configOverrides))
	if cli.datasetKey != "" {
		cfg.DatasetKey = cli.datasetKey
	}
	if cfg.LogPath != "" {
		if logFile, _, err := logger.SetupFile(cfg.LogPath); err != nil {
			log.Warnf("failed to redirect log to %s: %v", cfg.LogPath, err)
		} else {
			defer logFile.Close()
		}
	}
	feats := features.Resolve(cfg.Features)

	loop, cleanup := buildLoop(cfg, feats)
	defer cleanup()

	go feedInput(loop, cfg, cli)

	if err := tui.Run(tui.Options{
		Loop:      loop,
		Observer:  loopObserver,
		Clipboard: feats["clipboard"],
		Title:     title(cli),
	}); err != nil {
		log.Fatalf("tui failed: %v", err)
	}
}

// loopObserver 在 buildLoop 与 TUI 之间共享。
var loopObserver = tui.NewViewObserver()

// buildLoop 组装渲染循环及其两类离线渲染器。
func buildLoop(cfg config.Config, feats map[string]bool) (*pipeline.Loop, func()) {
	formulaRenderer := formula.NewRenderer(formula.Options{
		Cap:      cfg.WorkerConcurrency,
		CacheCap: cfg.CacheCapacity,
		Timeout:  cfg.WorkerTimeout(),
		Retries:  1,
		Backoff:  50 * time.Millisecond,
	})
	formulaRenderer.Bind(offthread.NewFuncWorker(formulaRenderFunc()))

	diagramClient := offthread.NewClient(offthread.ClientOptions{
		Kind:     "diagram",
		Cap:      cfg.WorkerConcurrency,
		CacheCap: cfg.CacheCapacity,
		Timeout:  cfg.WorkerTimeout(),
	})
	diagramClient.Bind(offthread.NewFuncWorker(diagramRenderFunc()))

	queue := events.NewQueue(64)
	go logEvents(queue.Subscribe())

	loop := pipeline.NewLoop(pipeline.Options{
		Config:        cfg,
		Features:      feats,
		Observer:      loopObserver.Factory(),
		Formula:       formulaRenderer,
		DiagramClient: diagramClient,
		Validator:     diagramValidator,
		Events:        queue,
	})
	cleanup := func() {
		loop.Close()
		queue.Close()
		formulaRenderer.Close()
		diagramClient.Close()
	}
	return loop, cleanup
}

func logEvents(ch <-chan events.Event) {
	entry := logger.Named("events")
	for e := range ch {
		entry.WithField("type", string(e.Type)).WithField("index", e.Index).Debug("pipeline event")
	}
}

// feedInput 逐行喂入文档并在每次增长后提交新的序列快照。follow
// 模式下文件读尽后轮询追加内容，模拟流式生产者。
func feedInput(loop *pipeline.Loop, cfg config.Config, cli *interactiveArgs) {
	var in io.Reader = os.Stdin
	if cli.filePath != "" {
		f, err := os.Open(cli.filePath)
		if err != nil {
			log.Fatalf("open input: %v", err)
		}
		defer f.Close()
		in = f
	}

	seg := segment.NewSegmenter(cfg.DatasetKey)
	reader := bufio.NewReader(in)
	pending := 0
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			seg.Append(line)
			pending++
			// 攒几行再提交，避免每行一次全量重分段。
			if pending >= 8 || !hasBuffered(reader) {
				loop.Apply(seg.Current())
				pending = 0
			}
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			if pending > 0 {
				loop.Apply(seg.Current())
				pending = 0
			}
			if cli.follow && cli.filePath != "" {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return
		}
		log.Warnf("input read failed: %v", err)
		return
	}
}

func hasBuffered(r *bufio.Reader) bool {
	return r.Buffered() > 0
}

func title(cli *interactiveArgs) string {
	if cli.filePath != "" {
		return "mdstream · " + cli.filePath
	}
	return "mdstream · stdin"
}
