// Command check_config validates a deployment configuration before the
// server is restarted with it: the YAML must load, required fields must
// be present and the analyzer scripts must exist on disk.
package main

import (
	"fmt"
	"os"

	"microlab/internal/config"
)

func main() {
	path := config.ConfigPath
	if len(os.Args) > 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [config.yaml]\n", os.Args[0])
		os.Exit(2)
	}
	if len(os.Args) == 2 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		exitErr(err)
	}
	if _, err := config.ParseDuration(cfg.SessionTTL, 0); err != nil {
		exitErr(fmt.Errorf("sessionTTL: %w", err))
	}
	if _, err := config.ParseDuration(cfg.AnalyzerTimeout, 0); err != nil {
		exitErr(fmt.Errorf("analyzerTimeout: %w", err))
	}
	if _, err := config.ParseDuration(cfg.JWTLeeway, 0); err != nil {
		exitErr(fmt.Errorf("jwtLeeway: %w", err))
	}

	warnings := 0
	for _, script := range []string{cfg.AnalyzerScript, cfg.MicroscopeScript} {
		if _, err := os.Stat(script); err != nil {
			fmt.Fprintf(os.Stderr, "warning: script %s is not present on this host\n", script)
			warnings++
		}
	}

	fmt.Printf("%s: ok (%d warnings)\n", path, warnings)
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
