package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"sunkcost/internal/chain"
	"sunkcost/internal/events"
	"sunkcost/internal/node"
)

func main() {
	if ran, err := maybeRunStateMigration(os.Args, log.Printf); err != nil {
		log.Fatalf("state migration failed: %v", err)
	} else if ran {
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := parseRunConfig(os.Args, os.Getenv("SUNKCOST_ADMIN_TOKEN"))
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	logger := newLogger(cfg.LogVerbosity)

	var chainClock clock.PassiveClock = clock.RealClock{}
	if cfg.DevClock {
		chainClock = chain.NewOffsetClock(nil)
	}
	chainCfg := chain.Config{
		CreationDeposit: cfg.CreationDeposit,
		BurnPolicy:      cfg.BurnPolicy,
		ExtensionPolicy: cfg.ExtensionPolicy,
		Clock:           chainClock,
		Logger:          logger,
	}

	c, boot, err := buildChain(chainCfg, cfg.GenesisPath, cfg.StateBackend, cfg.StatePath)
	if err != nil {
		log.Fatalf("init chain: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init events backend: %v", err)
	}
	var hub *events.Hub
	if cfg.EventStream {
		hub = events.NewHub(logger)
		publisher = append(publisher, hub)
	}
	dispatcher := events.NewDispatcher(publisher, cfg.EventBuffer, logger)

	var persistMu sync.Mutex
	persist := func() error {
		persistMu.Lock()
		defer persistMu.Unlock()
		return saveChainState(c, cfg.StateBackend, cfg.StatePath)
	}

	backups := cfg.backupPolicy()
	c.SetFinalizeHook(func(block chain.Block) {
		dispatcher.OnBlock(block)
		if cfg.StatePath != "" {
			if err := persist(); err != nil {
				logger.Error(err, "persist state failed", "height", block.Height)
			}
		}
		if res, err := maybeWriteBackupSnapshot(c, block, backups); err != nil {
			logger.Error(err, "backup snapshot failed", "height", block.Height)
		} else if res.Path != "" {
			logger.Info("backup snapshot written",
				"path", res.Path,
				"reason", res.Reason,
				"height", res.Height,
				"pots", res.Pots,
				"custody", res.Custody,
			)
		}
	})
	if cfg.StatePath != "" {
		if err := persist(); err != nil {
			log.Fatalf("write initial state: %v", err)
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: node.NewServer(c, node.Config{
			AdminToken:      cfg.AdminToken,
			AllowDevSigning: cfg.AllowDevSigning,
			Dispatcher:      dispatcher,
			Hub:             hub,
			MaxEventBacklog: cfg.MaxEventBacklog,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logBoot(logger, cfg, c, boot)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cfg.StatePath != "" {
			if saveErr := persist(); saveErr != nil {
				logger.Error(saveErr, "final state save failed")
			}
		}
		return err
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("node stopped: %v", err)
	}
	logger.Info("node stopped")
}

// newLogger writes key=value lines through the standard log package.
func newLogger(verbosity int) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			log.Printf("%s: %s", prefix, args)
			return
		}
		log.Print(args)
	}, funcr.Options{Verbosity: verbosity})
}

func newPublisher(ctx context.Context, cfg runConfig, logger logr.Logger) (events.Multi, error) {
	switch cfg.EventsBackend {
	case eventsBackendAMQP:
		p, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		return events.Multi{p}, nil
	case eventsBackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		p, err := events.DialRedis(dialCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisStream, cfg.RedisStreamMaxLen)
		if err != nil {
			return nil, err
		}
		return events.Multi{p}, nil
	case eventsBackendNone:
		return events.Multi{}, nil
	default:
		return events.Multi{events.NewLogPublisher(logger)}, nil
	}
}

func logBoot(logger logr.Logger, cfg runConfig, c *chain.Chain, boot bootInfo) {
	status := c.GetStatus()
	logger.Info("sunkcost node listening",
		"addr", cfg.HTTPAddr,
		"height", status.Height,
		"creationDeposit", status.CreationDeposit,
		"burnPolicy", status.BurnPolicy,
		"extensionPolicy", status.ExtensionPolicy,
	)
	if cfg.ConfigPath != "" {
		logger.Info("loaded config file", "path", cfg.ConfigPath)
	}
	logger.Info("state", "backend", cfg.StateBackend, "path", cfg.StatePath)
	logger.Info("backups", "dir", cfg.BackupDir, "everyBlocks", cfg.BackupEveryBlocks, "retain", cfg.BackupRetain, "onClaim", cfg.BackupOnClaim)
	logger.Info("events", "backend", cfg.EventsBackend, "buffer", cfg.EventBuffer, "websocket", cfg.EventStream)
	if boot.LoadedFromSnapshot {
		logger.Info("chain loaded from state", "source", boot.GenesisSource, "path", boot.SnapshotPath)
	} else {
		logger.Info("chain initialized from genesis", "source", boot.GenesisSource)
	}
	for _, label := range demoUserLabels {
		if user, ok := boot.DemoUsers[label]; ok {
			logger.Info("demo user", "name", label, "address", user.Address, "privateKey", user.PrivateKey)
		}
	}
	if cfg.DevClock {
		logger.Info("warning: dev clock enabled; /dev/advance-time can move pot deadlines")
		if cfg.AdminToken == "" {
			logger.Info("warning: admin token is empty; dev control endpoints are open")
		}
	}
	if !cfg.AllowDevSigning {
		logger.Info("server-side signing endpoints are disabled")
	}
}
