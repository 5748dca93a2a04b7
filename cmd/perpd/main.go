package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/pairex/perp/pkg/api"
	"github.com/pairex/perp/pkg/journal"
	"github.com/pairex/perp/pkg/metrics"
	"github.com/pairex/perp/pkg/perp"
	ws "github.com/pairex/perp/pkg/websocket"
)

const (
	defaultDataDir     = ".perpd"
	defaultRPCPort     = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir   string
	LogLevel  string
	PairsFile string

	// Network
	RPCPort     int
	WSPort      int
	MetricsPort int
	NatsURL     string

	// Identities
	GovAddress  string
	FeedAddress string
	BotAddrs    string
	UpnlKey     string

	// Oracle
	OracleNodes   string
	MinAnswers    int
	OracleTimeout time.Duration

	// Accrual clock
	BlockTime time.Duration

	// Features
	EnableMetrics bool
}

// Node assembles the settlement engine with its transports, storage and
// observability.
type Node struct {
	config *Config
	logger log.Logger

	db      database.Database
	usdt    *perp.Token
	roles   *perp.RoleSet
	pairs   *perp.PairsStore
	ledger  *perp.Ledger
	oracle  *perp.Oracle
	vault   *perp.Vault
	engine  *perp.Engine
	adl     *perp.AdlEngine
	journal *journal.Journal
	ws      *ws.Server
	metrics *metrics.Metrics
	bridge  *natsBridge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(config *Config) (*Node, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perpd node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB is the preferred backend; fall back to memory when it cannot
	// open so a dev node still comes up.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	// Engine identity must be the registered PnL handler so realized PnL can
	// move through the vault.
	engineCfg := perp.DefaultEngineConfig()
	roles := perp.NewRoleSet(config.GovAddress, config.FeedAddress, engineCfg.SelfAddress)
	for _, bot := range splitList(config.BotAddrs) {
		roles.AddBot(bot)
	}

	usdt := perp.NewToken("Tether USD", "USDT", 6)
	pairs := perp.NewPairsStore(roles)
	ledger := perp.NewLedger(usdt, logger)

	bridge, err := newNatsBridge(config.NatsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	oracleCfg := perp.OracleConfig{
		Nodes:          splitList(config.OracleNodes),
		MinAnswers:     config.MinAnswers,
		RequestTimeout: config.OracleTimeout,
	}
	oracle := perp.NewOracle(oracleCfg, bridge, logger)

	jnl := journal.New(logger, db)
	wsServer := ws.NewServer(logger, ws.DefaultConfig())

	var m *metrics.Metrics
	sinks := perp.MultiSink{jnl, wsServer, bridge.eventSink()}
	if config.EnableMetrics {
		m = metrics.New("perpd", logger)
		sinks = append(sinks, &metricsSink{metrics: m})
	}

	verifier := perp.NewKeyedVerifier([]byte(config.UpnlKey))
	vault := perp.NewVault(perp.DefaultVaultConfig(), usdt, roles, verifier, sinks, logger)

	engine := perp.NewEngine(engineCfg, pairs, ledger, oracle, vault, roles, sinks, logger)
	adl := perp.NewAdlEngine(engine)

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		config:  config,
		logger:  logger,
		db:      db,
		usdt:    usdt,
		roles:   roles,
		pairs:   pairs,
		ledger:  ledger,
		oracle:  oracle,
		vault:   vault,
		engine:  engine,
		adl:     adl,
		journal: jnl,
		ws:      wsServer,
		metrics: m,
		bridge:  bridge,
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.PairsFile != "" {
		if err := n.loadPairs(config.PairsFile); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load pair listing: %w", err)
		}
	}

	return n, nil
}

// pairListing is the genesis file format: groups and fee schedules are listed
// first, pairs reference them by index.
type pairListing struct {
	Groups []perp.Group `json:"groups"`
	Fees   []struct {
		Name          string `json:"name"`
		OpenFeeP      string `json:"openFeeP"`
		CloseFeeP     string `json:"closeFeeP"`
		MinLevPosUsdt string `json:"minLevPosUsdt"`
	} `json:"fees"`
	Pairs []struct {
		Base          string `json:"base"`
		Quote         string `json:"quote"`
		SpreadP       string `json:"spreadP"`
		MaxDeviationP string `json:"maxDeviationP"`
		GroupIndex    int    `json:"groupIndex"`
		FeeIndex      int    `json:"feeIndex"`
	} `json:"pairs"`
}

func (n *Node) loadPairs(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var listing pairListing
	if err := json.Unmarshal(data, &listing); err != nil {
		return err
	}

	gov := n.config.GovAddress
	for _, g := range listing.Groups {
		if _, err := n.pairs.AddGroup(gov, g); err != nil {
			return fmt.Errorf("group %s: %w", g.Name, err)
		}
	}
	for _, f := range listing.Fees {
		schedule := perp.FeeSchedule{
			Name:          f.Name,
			OpenFeeP:      parseBig(f.OpenFeeP),
			CloseFeeP:     parseBig(f.CloseFeeP),
			MinLevPosUsdt: parseBig(f.MinLevPosUsdt),
		}
		if _, err := n.pairs.AddFee(gov, schedule); err != nil {
			return fmt.Errorf("fee %s: %w", f.Name, err)
		}
	}
	for _, p := range listing.Pairs {
		pair := perp.Pair{
			Base:       p.Base,
			Quote:      p.Quote,
			SpreadP:    parseBig(p.SpreadP),
			GroupIndex: p.GroupIndex,
			FeeIndex:   p.FeeIndex,
			Feed:       perp.Feed{MaxDeviationP: parseBig(p.MaxDeviationP)},
		}
		if _, err := n.pairs.AddPair(gov, pair); err != nil {
			return fmt.Errorf("pair %s/%s: %w", p.Base, p.Quote, err)
		}
	}

	n.logger.Info("Pair listing loaded",
		"groups", len(listing.Groups),
		"fees", len(listing.Fees),
		"pairs", len(listing.Pairs))
	return nil
}

func (n *Node) Start() error {
	n.logger.Info("Starting perpd node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"rpcPort", n.config.RPCPort,
		"wsPort", n.config.WSPort,
		"nats", n.config.NatsURL,
		"blockTime", n.config.BlockTime)

	if err := n.journal.Start(); err != nil {
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.ws.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()
	if err := n.bridge.start(n.oracle, n.engine, n.adl, n.vault); err != nil {
		return err
	}

	if n.metrics != nil {
		n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort))
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.metrics.CollectSystemMetrics(n.ctx)
		}()
		n.wg.Add(1)
		go n.refreshGauges()
	}

	n.wg.Add(1)
	go n.runAccrualClock()

	n.wg.Add(1)
	go n.runRoundReaper()

	n.wg.Add(1)
	go n.runJSONRPCServer()

	n.logger.Info("perpd node started")
	return nil
}

// runAccrualClock advances the rollover/funding block counter.
func (n *Node) runAccrualClock() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.BlockTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.engine.AdvanceBlock()
		}
	}
}

// runRoundReaper cancels oracle rounds that never reached quorum so escrowed
// collateral flows back to traders.
func (n *Node) runRoundReaper() {
	defer n.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if reaped := n.engine.CancelExpiredRounds(time.Now()); reaped > 0 {
				n.logger.Info("Expired oracle rounds canceled", "count", reaped)
			}
		}
	}
}

// refreshGauges samples ledger and vault state into Prometheus gauges.
func (n *Node) refreshGauges() {
	defer n.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < n.pairs.PairCount(); i++ {
				pair, err := n.pairs.Pair(i)
				if err != nil {
					continue
				}
				n.metrics.SetOpenInterest(pair.Name(), "long", usdtFloat(n.ledger.OpenInterestUsdt(i, perp.Long)))
				n.metrics.SetOpenInterest(pair.Name(), "short", usdtFloat(n.ledger.OpenInterestUsdt(i, perp.Short)))
			}
			n.metrics.SetVaultTVL(usdtFloat(n.vault.TotalAssets()))
			n.metrics.SetVaultShareSupply(usdtFloat(n.vault.TotalSupply()))
			n.metrics.SetPlatformFee(usdtFloat(n.ledger.PlatformFee()))
			n.metrics.SetWSClients(float64(n.ws.ClientCount()))
		}
	}
}

func (n *Node) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.pairs, n.ledger, n.vault, n.logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":        "healthy",
			"block":         n.engine.Block(),
			"pendingRounds": n.oracle.PendingRounds(),
			"journaled":     n.journal.LastSeq(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.RPCPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.RPCPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down perpd node...")

	n.cancel()
	n.wg.Wait()

	n.bridge.stop()
	n.ws.Stop()
	n.journal.Stop()

	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("perpd node shutdown complete")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&config.PairsFile, "pairs", "", "Pair listing JSON file")

	flag.IntVar(&config.RPCPort, "rpc-port", defaultRPCPort, "JSON-RPC port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket event stream port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NatsURL, "nats", nats.DefaultURL, "NATS server URL")

	flag.StringVar(&config.GovAddress, "gov", "gov", "Governance address")
	flag.StringVar(&config.FeedAddress, "feed", "feed", "Unrealized-PnL feed address")
	flag.StringVar(&config.BotAddrs, "bots", "", "Comma-separated executor addresses")
	flag.StringVar(&config.UpnlKey, "upnl-key", "", "Shared key for uPnL proof verification")

	flag.StringVar(&config.OracleNodes, "oracle-nodes", "", "Comma-separated oracle node IDs")
	flag.IntVar(&config.MinAnswers, "oracle-min-answers", 3, "Answers required to settle a round")
	flag.DurationVar(&config.OracleTimeout, "oracle-timeout", 30*time.Second, "Price round timeout")

	flag.DurationVar(&config.BlockTime, "block-time", 2*time.Second, "Accrual block interval")
	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")

	flag.Parse()

	rootLogger := log.Root()
	rootLogger.Info("PairEx settlement engine",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
