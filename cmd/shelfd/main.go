// Command shelfd is the ebook library daemon. It watches the configured
// directories for incoming files and runs the ingest pipeline that
// hashes, enriches, converts, and shelves them.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/quillon/shelfd/internal/config"
	"github.com/quillon/shelfd/internal/epub"
	"github.com/quillon/shelfd/internal/kepub"
	"github.com/quillon/shelfd/internal/library"
	"github.com/quillon/shelfd/internal/organize"
	"github.com/quillon/shelfd/internal/pipeline"
	"github.com/quillon/shelfd/internal/task"
	"github.com/quillon/shelfd/internal/watch"
	"github.com/quillon/shelfd/internal/worker"
)

func main() {
	base := flag.String("base", config.DefaultBaseDirectoryPath, "Base directory for configuration and the library database")
	doInit := flag.Bool("init", false, "Write an initial configuration to the base directory and exit")
	var logLevel string
	var levels []string
	for _, l := range log.AllLevels {
		levels = append(levels, l.String())
	}
	flag.StringVar(&logLevel, "verbosity", "info", "sets the log `level`, among "+strings.Join(levels, ", "))
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Could not parse log level %q: %v", logLevel, err)
	}
	log.SetLevel(ll)

	if *doInit {
		if err := config.Initialize(*base); err != nil {
			log.Fatalf("Could not initialize %q: %v", *base, err)
		}
		return
	}

	// Do NOT turn on agent.ShutdownCleanup. Its signal handler calls
	// os.Exit, which would skip the clean shutdown below and could
	// leave tasks stuck in PROCESSING until the stale cutoff.
	if err := agent.Listen(agent.Options{}); err != nil {
		log.Printf("Could not start gops agent: %v", err)
	}

	cfg, err := config.Load(*base)
	if err != nil {
		log.Fatalf("Could not load config from %q: %v", *base, err)
	}
	if len(cfg.WatchDirs) == 0 {
		log.Fatalf("No watch-dir configured in %q", *base)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath()+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		log.Fatalf("Could not open database %q: %v", cfg.DatabasePath(), err)
	}
	defer func() {
		_ = db.Close()
	}()
	store, err := library.NewStore(db)
	if err != nil {
		log.Fatalf("Could not prepare library store: %v", err)
	}
	queue, err := task.NewQueue(db)
	if err != nil {
		log.Fatalf("Could not prepare task queue: %v", err)
	}
	logStats(queue, "Queue at startup")

	registry := worker.Registry{
		task.TypeIngest: pipeline.NewIngest(store, queue),
		task.TypeMetadata: pipeline.NewMetadata(cfg, store, queue,
			epub.NewProvider(cfg.EmbedTool), epub.NewFetcher()),
		task.TypeConvert:  pipeline.NewConvert(cfg, store, kepub.New(cfg.KepubifyPath)),
		task.TypeOrganize: pipeline.NewOrganize(cfg, store, organize.New(cfg)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.New(queue, registry, cfg.PollInterval()).Run(ctx)
	})
	g.Go(func() error {
		return watch.New(cfg, queue).Run(ctx)
	})
	// SIGUSR1 dumps queue depth without stopping anything.
	statc := make(chan os.Signal, 1)
	signal.Notify(statc, syscall.SIGUSR1)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-statc:
				logStats(queue, "Queue stats")
			}
		}
	})
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Daemon failed: %v", err)
	}
	log.Info("Shut down cleanly")
}

func logStats(queue *task.Queue, msg string) {
	stats, err := queue.Stats()
	if err != nil {
		log.Printf("Could not read queue stats: %v", err)
		return
	}
	fields := log.Fields{}
	for status, n := range stats {
		fields[strings.ToLower(string(status))] = n
	}
	log.WithFields(fields).Info(msg)
}
