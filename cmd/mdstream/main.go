package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"mdstream/internal/features"
	"mdstream/internal/logger"
)

var version = "0.1.0"

var log = logger.Named("main")

func main() {
	logger.Configure()
	if logFile, _, err := logger.SetupFile(logger.DefaultLogPath); err != nil {
		log.Warnf("failed to initialize log file: %v", err)
	} else {
		defer logFile.Close()
	}

	root, rest, err := parseRootArgs(os.Args[1:])
	if err != nil {
		log.Fatalf("parse args: %v", err)
	}
	if len(rest) > 0 {
		switch rest[0] {
		case "render":
			renderMain(root, rest[1:])
			return
		case "features":
			featuresMain(root, rest[1:])
			return
		case "version":
			fmt.Fprintf(os.Stdout, "mdstream %s\n", version)
			return
		}
	}

	runInteractive(root, rest)
}

func featuresMain(root rootArgs, args []string) {
	var overrides stringSlice
	fs := flag.NewFlagSet("features", flag.ExitOnError)
	fs.Var(&overrides, "c", "Override config value key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parse features args: %v", err)
	}
	allOverrides := prependOverrides(root.overrides, []string(overrides))
	for _, spec := range features.Specs {
		enabled := featureEnabled(spec.Key, allOverrides)
		fmt.Fprintf(os.Stdout, "%s\t%s\t%t\n", spec.Key, spec.Stage, enabled)
	}
}

func featureEnabled(key string, overrides []string) bool {
	enabled := features.DefaultEnabled(key)
	for _, raw := range overrides {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		if !strings.HasPrefix(k, "feature.") {
			continue
		}
		name := strings.TrimPrefix(k, "feature.")
		if !strings.EqualFold(name, key) {
			continue
		}
		switch strings.ToLower(v) {
		case "true", "1", "t", "yes", "y", "on":
			enabled = true
		case "false", "0", "f", "no", "n", "off":
			enabled = false
		}
	}
	return enabled
}
