// Command dsp-node runs the DSP side of the framework: it maps the shared
// region, hosts the reference units and serves the mailbox link and metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/dspaf/kernel/config"
	"github.com/nmxmxh/dspaf/kernel/node"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	out := flag.String("out", "", "file receiving rendered frames (discarded when empty)")
	flag.Parse()

	if err := run(*configPath, *out); err != nil {
		fmt.Fprintln(os.Stderr, "dsp-node:", err)
		os.Exit(1)
	}
}

func run(configPath, out string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	utils.Configure(cfg.Logger())
	logger := utils.DefaultLogger("dsp-node")

	var sink io.Writer
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		sink = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.New(cfg, sink)
	if err := n.Boot(); err != nil {
		_ = n.Shutdown(context.Background())
		return err
	}
	logger.Info("serving",
		utils.String("node", cfg.Core.NodeID),
		utils.String("shm", cfg.SharedMemory.Path),
		utils.String("link", n.LinkAddr()))

	runErr := n.Run(ctx)
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Shutdown(sctx); err != nil {
		logger.Error("shutdown failed", utils.Err(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
