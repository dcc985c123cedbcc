// Command claudefs-node runs one ClaudeFS replication site: it opens the
// local journal and storage substrate, registers the configured backing
// device, and starts the replication pipeline, generalizing the
// teacher's cmd/ublk-mem daemon (flag parsing, signal-driven shutdown,
// structured logging setup) from "serve one ublk memory disk" to "run
// one ClaudeFS node."
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	_ "github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/dirkpetersen/claudefs"
	"github.com/dirkpetersen/claudefs/internal/ioengine"
	"github.com/dirkpetersen/claudefs/internal/logging"
)

func main() {
	var (
		siteID     = flag.Uint64("site-id", 1, "this node's replication site ID")
		journalDir = flag.String("journal-dir", "./claudefs-data/journal", "directory for the local journal")
		devicePath = flag.String("device", "./claudefs-data/device0", "path to the backing device file")
		sizeStr    = flag.String("size", "1G", "size of the backing device (e.g., 64M, 1G)")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "claudefs-node: GOMAXPROCS detection: %v\n", err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	size, err := parseSize(*sizeStr)
	if err != nil {
		logger.Error("invalid size", "size", *sizeStr, "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*journalDir, 0o750); err != nil {
		logger.Error("failed to create journal directory", "error", err)
		os.Exit(1)
	}

	params := claudefs.DefaultParams(*siteID, *journalDir)
	params.IOEngine = ioengine.DefaultConfig()

	node, err := claudefs.NewNode(params, nil, logger)
	if err != nil {
		logger.Error("failed to initialize node", "error", err)
		os.Exit(1)
	}

	if err := node.RegisterDevice(0, *devicePath, os.O_RDWR|os.O_CREATE, 0o600, uint64(size)); err != nil {
		logger.Error("failed to register backing device", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx, 0); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	logger.Info("node started", "site_id", *siteID, "journal_dir", *journalDir, "device", *devicePath, "size", formatSize(size))
	fmt.Printf("ClaudeFS node %d running (device=%s, size=%s)\n", *siteID, *devicePath, formatSize(size))
	fmt.Printf("Press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := node.Stop(stopCtx); err != nil {
		logger.Error("error stopping node", "error", err)
		os.Exit(1)
	}
	logger.Info("node stopped cleanly")
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
