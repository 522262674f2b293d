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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/config"
	"github.com/JEflyer/CognitionStream-sub000/internal/engine"
	"github.com/JEflyer/CognitionStream-sub000/internal/metrics"
	"github.com/JEflyer/CognitionStream-sub000/internal/model"
	"github.com/JEflyer/CognitionStream-sub000/internal/server"
)

const usage = `Usage: cognitionstream [-config path] <command> [args]

Commands:
  serve                       run with background maintenance and metrics endpoint
  set <key> <value>           store a value (-priority, -tags, -ttl, -compress)
  get <key>                   fetch a value
  delete <key>                delete a value
  has <key>                   check for a key
  query                       query records (-tags, -min-priority)
  vacuum                      remove expired records
  optimize                    vacuum, tune capacity, compact if fragmented
  compact                     rewrite the durable log
  clear                       remove all records
  stats                       print engine statistics
`

func main() {
	fs := flag.NewFlagSet("cognitionstream", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default $CONFIG_PATH or ./config.yaml)")
	priority := fs.Int("priority", 0, "record priority (set)")
	tags := fs.String("tags", "", "comma-separated tags (set, query)")
	ttl := fs.Duration("ttl", 0, "time to live, 0 means never expires (set)")
	doCompress := fs.Bool("compress", false, "compress the value (set)")
	minPriority := fs.Int("min-priority", 0, "minimum priority filter (query)")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	eng := engine.New(cfg, nil, m, logger)
	ctx := context.Background()
	if err := eng.Open(ctx); err != nil {
		logger.Fatal("Failed to open storage engine", zap.Error(err))
	}
	defer eng.Close()

	command, rest := args[0], args[1:]

	if command == "serve" {
		runServe(cfg, registry, eng, logger)
		return
	}

	if err := runCommand(eng, command, rest, commandOptions{
		priority:    *priority,
		tags:        splitTags(*tags),
		ttl:         *ttl,
		compress:    *doCompress,
		minPriority: *minPriority,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type commandOptions struct {
	priority    int
	tags        []string
	ttl         time.Duration
	compress    bool
	minPriority int
}

func runCommand(eng *engine.Engine, command string, args []string, opts commandOptions) error {
	switch command {
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("set requires <key> <value>")
		}
		return eng.Set(args[0], []byte(args[1]), model.SetOptions{
			Priority: opts.priority,
			Tags:     opts.tags,
			TTL:      opts.ttl,
			Compress: opts.compress,
		})

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get requires <key>")
		}
		value, found, err := eng.Get(args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Println(string(value))
		return nil

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("delete requires <key>")
		}
		existed, err := eng.Delete(args[0])
		if err != nil {
			return err
		}
		fmt.Println(strconv.FormatBool(existed))
		return nil

	case "has":
		if len(args) != 1 {
			return fmt.Errorf("has requires <key>")
		}
		fmt.Println(strconv.FormatBool(eng.Has(args[0])))
		return nil

	case "query":
		filter := model.QueryFilter{Tags: opts.tags}
		if opts.minPriority > 0 {
			filter.MinPriority = &opts.minPriority
		}
		result, err := eng.Query(filter)
		if err != nil {
			return err
		}
		for key, value := range result.Items {
			fmt.Printf("%s\t%s\n", key, string(value))
		}
		fmt.Printf("%d matched, %d scanned in %s\n", result.Count(), result.Scanned, result.Elapsed)
		return nil

	case "vacuum":
		removed, err := eng.Vacuum()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired records\n", removed)
		return nil

	case "optimize":
		return eng.Optimize()

	case "compact":
		return eng.Compact()

	case "clear":
		return eng.Clear()

	case "stats":
		stats := eng.Stats()
		fmt.Printf("memory entries:   %d / %d\n", stats.MemoryEntries, stats.MemoryCapacity)
		fmt.Printf("durable records:  %d (%d bytes, %d dead)\n",
			stats.Durable.Records, stats.Durable.TotalBytes, stats.Durable.DeadBytes)
		fmt.Printf("hit rate:         %.3f\n", stats.Access.HitRate)
		fmt.Printf("error rate:       %.3f\n", stats.Access.ErrorRate)
		fmt.Printf("average latency:  %s\n", stats.Access.AverageLatency)
		fmt.Printf("lock acquisitions: %d (%d contended, %d timed out)\n",
			stats.Locks.Acquisitions, stats.Locks.Contentions, stats.Locks.Timeouts)
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// runServe runs the engine as a long-lived process with background
// maintenance and the metrics endpoint, until SIGINT or SIGTERM.
func runServe(cfg *config.Config, registry *prometheus.Registry, eng *engine.Engine, logger *zap.Logger) {
	if cfg.Maintenance.Enabled {
		eng.StartMaintenance(cfg.Maintenance)
	}

	var srv *server.MetricsServer
	if cfg.Metrics.Enabled {
		srv = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, registry, eng, logger)
		if err := srv.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	logger.Info("Storage engine running",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Bool("maintenance", cfg.Maintenance.Enabled),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if srv != nil {
		if err := srv.Stop(); err != nil {
			logger.Error("Metrics server stop failed", zap.Error(err))
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}
