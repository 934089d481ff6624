// main.go - Mixer daemon entrypoint.
//
// Startup sequence:
//   - load environment and configuration
//   - compile the withdrawal circuit and load (or generate) Groth16 keys
//   - restore the pool from its snapshot, or create a fresh one
//   - serve the REST API until SIGINT/SIGTERM, then snapshot and exit
//
// Usage:
//   MIXERD_CONFIG=mixerd.json go run ./cmd/mixerd

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"

	"mixer/internal/merkle"
	"mixer/internal/mixer"
	"mixer/internal/zk"
)

const version = "0.2.0"

var errRootHistory = errors.New("current root missing from root history")

func main() {
	// Environment variables may come from a local .env file.
	_ = godotenv.Load()

	configPath := os.Getenv("MIXERD_CONFIG")
	if configPath == "" {
		configPath = "mixerd.json"
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	auditPath := ""
	if cfg.EnableAudit {
		auditPath = cfg.AuditLogPath
	}
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFile, auditPath)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Info("mixerd %s starting (depth=%d, denomination=%s)", version, cfg.TreeDepth, cfg.Denomination)

	// Proving artifacts. The daemon only verifies, but the proving key is
	// generated alongside so clients can fetch it out of band.
	logger.Info("compiling withdrawal circuit")
	ccs, err := zk.CompileWithdrawCircuit(cfg.TreeDepth)
	if err != nil {
		logger.Fatal("circuit compilation failed: %v", err)
	}
	pkPath := filepath.Join(cfg.KeyDir, "withdraw_pk.bin")
	vkPath := filepath.Join(cfg.KeyDir, "withdraw_vk.bin")
	_, vk, err := zk.SetupOrLoadKeys(ccs, pkPath, vkPath)
	if err != nil {
		logger.Fatal("key setup failed: %v", err)
	}
	verifier := zk.NewGroth16Verifier(vk, cfg.TreeDepth)

	denomination, err := uint256.FromDecimal(cfg.Denomination)
	if err != nil {
		logger.Fatal("bad denomination: %v", err)
	}

	hasher := merkle.NewMiMCHasher()
	ledger := mixer.NewLedger()

	var pool *mixer.Pool
	if state, loadErr := mixer.LoadPoolState(cfg.StatePath); loadErr == nil {
		pool, err = mixer.RestorePool(state, hasher, verifier, ledger)
		if err != nil {
			logger.Fatal("state restore failed: %v", err)
		}
		logger.Info("restored pool state: %d deposits, root %s", pool.LeafCount(), pool.Root())
	} else {
		if !os.IsNotExist(loadErr) {
			// A corrupt snapshot must never be silently replaced: the sets it
			// holds are the double-spend protection.
			logger.Fatal("state load failed: %v", loadErr)
		}
		pool, err = mixer.NewPool(cfg.TreeDepth, hasher, denomination, verifier, ledger)
		if err != nil {
			logger.Fatal("pool creation failed: %v", err)
		}
		logger.Info("created fresh pool, root %s", pool.Root())
	}

	health := NewHealthChecker(version)
	health.RegisterComponent("pool", func() error {
		if !pool.IsKnownRoot(pool.Root()) {
			return errRootHistory
		}
		return nil
	})
	health.RegisterComponent("state_file", func() error {
		return pool.Snapshot().SaveToFile(cfg.StatePath)
	})

	metrics := NewMetricsCollector()
	metrics.SetGauge(MetricTreeLeafCount, float64(pool.LeafCount()), nil)

	server := NewServer(cfg, logger, pool, metrics, health)
	server.Start()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	logger.Info("received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown: %v", err)
	}
	if err := pool.Snapshot().SaveToFile(cfg.StatePath); err != nil {
		logger.Error("final state save failed: %v", err)
	}
	logger.Info("mixerd stopped")
}
