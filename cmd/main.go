package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/poolvote-network/pool-relay-api/api"
	"github.com/poolvote-network/pool-relay-api/database"
	"github.com/poolvote-network/pool-relay-api/ethereum"
	"github.com/poolvote-network/pool-relay-api/gas"
	"github.com/poolvote-network/pool-relay-api/indexer"
	"github.com/poolvote-network/pool-relay-api/scheduler"
	"github.com/poolvote-network/pool-relay-api/txmgr"
)

// Version will be set at build time
var Version = "development"

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatal("Error loading .env file")
	}

	// create a new logger
	Logger := slog.New(tint.NewHandler(os.Stderr, nil))

	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level: slog.LevelDebug,
		}),
	))

	Logger.Info("Starting pool-relay-api ("+Version+")",
		"Go Version", runtime.Version(),
		"Operating System", runtime.GOOS,
		"Architecture", runtime.GOARCH)

	network := os.Getenv("NETWORK_NAME")

	defaultStartBlock, err := strconv.ParseUint(os.Getenv("DEFAULT_START_BLOCK"), 10, 64)
	if err != nil {
		log.Fatalf("failed to parse DEFAULT_START_BLOCK: %v", err)
	}

	fetchInterval, err := strconv.ParseUint(os.Getenv("FETCH_INTERVAL"), 10, 64)
	if err != nil {
		log.Fatalf("failed to parse FETCH_INTERVAL: %v", err)
	}

	minBatchSize, err := strconv.ParseUint(os.Getenv("MIN_BATCH_SIZE"), 10, 64)
	if err != nil {
		log.Fatalf("failed to parse MIN_BATCH_SIZE: %v", err)
	}

	maxBatchSize, err := strconv.ParseUint(os.Getenv("MAX_BATCH_SIZE"), 10, 64)
	if err != nil {
		log.Fatalf("failed to parse MAX_BATCH_SIZE: %v", err)
	}

	maxGasPrice, ok := new(big.Int).SetString(os.Getenv("MAX_GAS_PRICE_WEI"), 10)
	if !ok {
		log.Fatal("failed to parse MAX_GAS_PRICE_WEI")
	}

	maxFeePerGas, ok := new(big.Int).SetString(os.Getenv("MAX_FEE_PER_GAS_WEI"), 10)
	if !ok {
		log.Fatal("failed to parse MAX_FEE_PER_GAS_WEI")
	}

	gasLimitFloor, err := strconv.ParseUint(os.Getenv("GAS_LIMIT_FLOOR"), 10, 64)
	if err != nil {
		log.Fatalf("failed to parse GAS_LIMIT_FLOOR: %v", err)
	}

	feeMarginPercent, err := strconv.ParseInt(os.Getenv("FEE_MARGIN_PERCENT"), 10, 64)
	if err != nil {
		log.Fatalf("failed to parse FEE_MARGIN_PERCENT: %v", err)
	}

	tickIntervalSeconds, err := strconv.ParseInt(os.Getenv("TICK_INTERVAL_SECONDS"), 10, 64)
	if err != nil {
		log.Fatalf("failed to parse TICK_INTERVAL_SECONDS: %v", err)
	}

	client, err := ethereum.NewClient(ethereum.ClientOpts{
		Endpoint:          os.Getenv("RPC_URL"),
		NetworkName:       network,
		Logger:            Logger.With("component", "ethereum"),
		DefaultStartBlock: defaultStartBlock,
		FetchInterval:     fetchInterval,
		MinBatchSize:      minBatchSize,
		MaxBatchSize:      maxBatchSize,
	})
	if err != nil {
		log.Fatalf("failed to create ethereum client: %v", err)
	}

	db, err := database.NewDatabase(database.DatabaseOpts{
		URI:          os.Getenv("DATABASE_URI"),
		DatabaseName: os.Getenv("DATABASE_NAME"),
		Logger:       Logger.With("component", "database"),
	})
	if err != nil {
		log.Fatalf("failed to create database: %v", err)
	}

	if err := db.CreateIndexes(context.Background()); err != nil {
		log.Fatalf("failed to create database indexes: %v", err)
	}

	oracle := gas.NewOracle(gas.OracleOpts{
		Reader: client,
		Logger: Logger.With("component", "gas-oracle"),
	})

	admission := gas.NewAdmission(gas.AdmissionOpts{
		Oracle:      oracle,
		MaxGasPrice: maxGasPrice,
		Logger:      Logger.With("component", "gas-admission"),
	})

	manager, err := txmgr.NewManager(txmgr.ManagerOpts{
		Client:           client,
		Store:            db,
		Oracle:           oracle,
		Logger:           Logger.With("component", "txmgr"),
		Network:          network,
		PrivateKeyHex:    os.Getenv("RELAY_PRIVATE_KEY"),
		GasLimitFloor:    gasLimitFloor,
		FeeMarginPercent: feeMarginPercent,
		MaxFeePerGas:     maxFeePerGas,
	})
	if err != nil {
		log.Fatalf("failed to create transaction manager: %v", err)
	}

	sched, err := scheduler.NewScheduler(scheduler.SchedulerOpts{
		Store:        db,
		Submitter:    manager,
		Admission:    admission,
		Logger:       Logger.With("component", "scheduler"),
		Network:      network,
		TickInterval: time.Duration(tickIntervalSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}

	// Tracked pool addresses, comma separated. Warn on addresses with no
	// deployed code so a bad config is visible at startup.
	registry := indexer.NewRegistry()
	for _, raw := range strings.Split(os.Getenv("POOL_ADDRESSES"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		address := common.HexToAddress(raw)
		deployed, err := client.IsContract(context.Background(), address)
		if err == nil && !deployed {
			Logger.Warn("no contract code at tracked pool address", "address", address.Hex())
		}
		registry.Add(address)
	}

	idx, err := indexer.NewIndexer(indexer.NewIndexerOptsFromClient(
		client, db, registry, Logger))
	if err != nil {
		// Degraded mode: submissions still run, record states go stale
		// until the indexer is back.
		Logger.Error("failed to create indexer, running without event indexing", "error", err)
		idx = nil
	}

	// start api server
	server, err := api.NewServer(api.ServerOpts{
		Logger:    Logger.With("component", "api-server"),
		Database:  db,
		Scheduler: sched,
		Port:      os.Getenv("API_PORT"),
	})
	if err != nil {
		log.Fatalf("failed to create api server: %v", err)
	}

	go server.StartServer()

	// Create context that will be canceled on SIGINT or SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		errChan <- sched.Run(ctx)
	}()
	if idx != nil {
		go func() {
			errChan <- idx.Run(ctx)
		}()
	}

	// Wait for either error or signal
	select {
	case err := <-errChan:
		if err != nil {
			log.Printf("Runtime error: %v", err)
		}
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal: %v\n", sig)
		fmt.Println("Shutting down gracefully...")
		cancel() // This will trigger shutdown via context

		// Wait for the loops to finish
		if err := <-errChan; err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}
}
