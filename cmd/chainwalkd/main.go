// Command chainwalkd runs chainwalk as a long-lived service: it tails a
// node's block directory in the background and exposes chain-walking
// progress over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/tokenized/config"
	"github.com/tokenized/logger"
	"github.com/tokenized/threads"

	"github.com/chain-walk/blockwalk/pkg/chainstream"
	"github.com/chain-walk/blockwalk/pkg/forkresolver"
)

// Config is chainwalkd's service configuration, loaded from the environment
// via envconfig tags.
type Config struct {
	Port               string `default:"8080" envconfig:"PORT" json:"port"`
	BlocksDir          string `default:"" envconfig:"BLOCKS_DIR" json:"blocks_dir"`
	BlocksGlob         string `default:"blk*.dat" envconfig:"BLOCKS_GLOB" json:"blocks_glob"`
	AllForks           bool   `default:"false" envconfig:"ALL_FORKS" json:"all_forks"`
	ResolveSpentInputs bool   `default:"false" envconfig:"RESOLVE_SPENT_INPUTS" json:"resolve_spent_inputs"`
	UTXOStoreScripts   bool   `default:"false" envconfig:"UTXO_STORE_SCRIPTS" json:"utxo_store_scripts"`
}

// status is the mutable snapshot the HTTP handlers read and the background
// walk goroutine writes. Fields are accessed only through atomics so the
// handler and walker never need a lock.
type status struct {
	height     int64 // atomic; -1 until the first block is released
	blocksSeen int64 // atomic
	lastHash   atomic.Value // string
	running    int32        // atomic; 1 while the walk goroutine is alive
}

func main() {
	ctx := logger.ContextWithLogger(context.Background(), true, true, "")

	cfg := &Config{}
	if err := config.LoadConfig(ctx, cfg); err != nil {
		logger.Fatal(ctx, "Failed to load config : %s", err)
	}

	maskedConfig, err := config.MarshalJSONMaskedRaw(cfg)
	if err != nil {
		logger.Fatal(ctx, "Failed to marshal config : %s", err)
	}
	logger.InfoWithFields(ctx, []logger.Field{logger.JSON("config", maskedConfig)}, "Config")

	st := &status{height: -1}
	st.lastHash.Store("")

	mode := forkresolver.LongestChain
	if cfg.AllForks {
		mode = forkresolver.AllForks
	}
	streamCfg := chainstream.Config{
		Dir:                cfg.BlocksDir,
		Glob:               cfg.BlocksGlob,
		Tail:               true,
		Mode:               mode,
		ResolveSpentInputs: cfg.ResolveSpentInputs,
		UTXOStoreScripts:   cfg.UTXOStoreScripts,
	}

	var wait sync.WaitGroup
	walkThread, walkComplete := threads.NewInterruptableThreadComplete("chain-walk",
		func(ctx context.Context, interrupt <-chan interface{}) error {
			return runWalk(ctx, streamCfg, st, interrupt)
		}, &wait)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	walkThread.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}))

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"height":      atomic.LoadInt64(&st.height),
			"blocks_seen": atomic.LoadInt64(&st.blocksSeen),
			"last_hash":   st.lastHash.Load(),
			"running":     atomic.LoadInt32(&st.running) == 1,
		})
	})

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- router.Run(":" + cfg.Port)
	}()
	logger.Info(ctx, "Listening on :%s", cfg.Port)

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)

	select {
	case <-walkComplete:
		logger.Warn(ctx, "Chain walk stopped on its own")
	case err := <-srvErr:
		logger.Error(ctx, "HTTP server stopped: %s", err)
	case <-osSignals:
		logger.Info(ctx, "Interrupt received, shutting down")
	}

	walkThread.Stop(ctx)
	cancel()
	wait.Wait()
}

func runWalk(ctx context.Context, cfg chainstream.Config, st *status, interrupt <-chan interface{}) error {
	atomic.StoreInt32(&st.running, 1)
	defer atomic.StoreInt32(&st.running, 0)

	out, err := chainstream.Blocks(ctx, cfg, chainstream.Filter{})
	if err != nil {
		return errors.Wrap(err, "start block stream")
	}

	for {
		select {
		case r, ok := <-out:
			if !ok {
				return nil
			}
			atomic.StoreInt64(&st.height, int64(r.Height))
			atomic.AddInt64(&st.blocksSeen, 1)
			st.lastHash.Store(r.Block.Hash().String())
		case <-interrupt:
			return threads.Interrupted
		}
	}
}
