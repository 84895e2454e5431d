package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/perpvault/pkg/api"
	"github.com/luxfi/perpvault/pkg/bank"
	"github.com/luxfi/perpvault/pkg/config"
	"github.com/luxfi/perpvault/pkg/events"
	"github.com/luxfi/perpvault/pkg/governance"
	"github.com/luxfi/perpvault/pkg/ledger"
	"github.com/luxfi/perpvault/pkg/metrics"
	"github.com/luxfi/perpvault/pkg/oracle"
	"github.com/luxfi/perpvault/pkg/vault"
	"github.com/luxfi/perpvault/pkg/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vault daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type node struct {
	config  *config.Config
	logger  log.Logger
	db      database.Database
	journal *events.Journal
	nats    *events.NATSPublisher
	metrics *metrics.VaultMetrics
	gov     *governance.Static
	ledger  *ledger.Ledger
	vault   *vault.Vault
	poller  *oracle.ReferencePoller
	relay   *oracle.Relay
	stream  *websocket.Server
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, err := log.ToLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := log.NewTestLogger(level)

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return n.run(ctx)
}

func openDatabase(cfg config.Storage, logger log.Logger) (database.Database, error) {
	dbManager := manager.NewManager(cfg.Path, nil)
	if cfg.Engine == "memdb" {
		logger.Info("Using in-memory database")
		return dbManager.New(manager.DefaultMemoryConfig())
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = cfg.Namespace
	db, err := dbManager.New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	logger.Info("BadgerDB initialized", "path", filepath.Join(cfg.Path, "badgerdb"))
	return db, nil
}

func newNode(cfg *config.Config, logger log.Logger) (*node, error) {
	n := &node{config: cfg, logger: logger, metrics: metrics.New("perpvault")}

	db, err := openDatabase(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	n.db = db

	n.stream = websocket.NewServer(logger, websocket.DefaultConfig())
	sinks := events.Multi{n.stream}
	if cfg.Storage.JournalDir != "" {
		if n.journal, err = events.OpenJournal(cfg.Storage.JournalDir); err != nil {
			n.close()
			return nil, err
		}
		logger.Info("Event journal opened", "dir", cfg.Storage.JournalDir, "index", n.journal.CurrentIndex())
		sinks = append(sinks, n.journal)
	}
	if cfg.NATS.URL != "" {
		if n.nats, err = events.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix); err != nil {
			n.close()
			return nil, err
		}
		logger.Info("Publishing events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
		sinks = append(sinks, n.nats)
	}

	n.gov = governance.NewStatic(cfg.Governance)
	assets := cfg.Governance.Whitelisted()

	// Token custody is in-process; the vault's holdings are restored from the
	// balances the ledger last observed.
	tokens := bank.NewMemory()
	sink := vault.InstrumentSink(sinks, n.metrics)
	n.ledger = ledger.New(tokens, logger,
		ledger.WithStore(ledger.NewStore(db)),
		ledger.WithSink(sink),
	)
	if err := n.ledger.Load(); err != nil {
		n.close()
		return nil, fmt.Errorf("load ledger state: %w", err)
	}
	for _, p := range n.ledger.Pools() {
		tokens.Mint(p.Asset, n.ledger.Vault(), p.TokenBalance)
	}

	ref := oracle.NewReferenceFeed()
	fast := oracle.NewFastFeed(cfg.FastFeed, ref, assets, time.Now)
	prices, err := oracle.New(cfg.Oracle, ref, fast, time.Now)
	if err != nil {
		n.close()
		return nil, err
	}
	n.vault = vault.New(n.gov, prices, n.ledger, logger, vault.WithFastFeed(fast), vault.WithMetrics(n.metrics), vault.WithEvents(sink))

	if len(cfg.Poller.Endpoints) > 0 {
		n.poller = oracle.NewReferencePoller(cfg.Poller, ref, logger)
	}
	if cfg.Relay.URL != "" {
		n.relay = oracle.NewRelay(cfg.Relay, fast, func() oracle.Authorizer {
			return n.gov.Snapshot().Capabilities
		}, logger)
	}
	logger.Info("Vault initialized",
		"assets", len(assets),
		"positions", n.ledger.PositionCount(),
		"oracle", cfg.Oracle.Mode.String(),
	)
	return n, nil
}

func (n *node) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"store": n.ledger.PersistErr,
	}
	if n.poller != nil {
		checks["poller"] = func() error {
			if !n.poller.IsHealthy() {
				return fmt.Errorf("reference poller failing")
			}
			return nil
		}
	}
	if n.relay != nil {
		checks["relay"] = func() error {
			if !n.relay.IsHealthy() {
				return fmt.Errorf("price relay disconnected")
			}
			return nil
		}
	}
	return checks
}

func (n *node) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error("Component stopped", "component", name, "error", err)
			}
		}()
	}

	if n.poller != nil {
		start("poller", n.poller.Run)
	}
	if n.relay != nil {
		start("relay", n.relay.Run)
	}
	start("websocket", n.stream.Run)
	start("system-metrics", func(ctx context.Context) error {
		n.metrics.CollectSystemMetrics(ctx, 15*time.Second)
		return nil
	})

	rpc := api.NewJSONRPCServer(n.vault, n.logger)
	router := api.NewRouter(rpc, n.metrics.Handler(), n.stream, n.healthChecks())
	err := api.Serve(ctx, api.ServerConfig{
		Listen:       n.config.API.Listen,
		ReadTimeout:  n.config.API.ReadTimeout,
		WriteTimeout: n.config.API.WriteTimeout,
	}, router, n.logger)

	cancel()
	wg.Wait()
	n.metrics.LogMetrics()
	n.logger.Info("Vault daemon stopped")
	return err
}

func (n *node) close() {
	if n.nats != nil {
		if err := n.nats.Close(); err != nil {
			n.logger.Warn("Failed to close NATS", "error", err)
		}
	}
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.logger.Warn("Failed to close journal", "error", err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn("Failed to close database", "error", err)
		}
	}
}
