package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fabulalabs/fabula/pkg/fabula"
	"github.com/fabulalabs/fabula/pkg/probe"
)

func main() {
	configPath := flag.String("config", "examples/storyteller/config.local.yaml", "")
	provider := flag.String("provider", "", "")
	timeoutMS := flag.Int("timeout_ms", 0, "")
	flag.Parse()

	cfg, err := fabula.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *provider != "" {
		cfg.Conduit.Provider = *provider
	}
	if *timeoutMS > 0 {
		cfg.Probe.TimeoutMS = *timeoutMS
	}

	conduit, err := fabula.DefaultRegistry(nil).Build(cfg.Conduit.Provider, cfg, "probe-check")
	if err != nil {
		fmt.Println("conduit error:", err)
		os.Exit(1)
	}

	prober := probe.New(time.Duration(cfg.Probe.TimeoutMS)*time.Millisecond, slog.Default())
	fmt.Printf("probing conduit=%s timeout=%s\n", conduit.Name(), prober.Timeout())
	started := time.Now()
	res := prober.Run(context.Background(), conduit)
	elapsed := time.Since(started).Round(time.Millisecond)

	if res.Available {
		fmt.Printf("available: conduit=%s elapsed=%s\n", conduit.Name(), elapsed)
		return
	}
	fmt.Printf("unavailable: conduit=%s reason=%q elapsed=%s\n", conduit.Name(), res.Reason, elapsed)
	os.Exit(1)
}
