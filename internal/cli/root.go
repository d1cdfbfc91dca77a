// Package cli implements the troupe-memory CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/config"
	"github.com/rcliao/troupe-memory/internal/embedding"
	"github.com/rcliao/troupe-memory/internal/logging"
	"github.com/rcliao/troupe-memory/internal/metrics"
	"github.com/rcliao/troupe-memory/internal/registry"
	"github.com/rcliao/troupe-memory/internal/store"
)

var (
	configPath string
	memoryDir  string
	agentName  string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "troupe-memory",
	Short: "Persistent, consolidating memory for simulated agents",
	Long: "Per-agent episodic and semantic memory backed by SQLite. Memories are retrieved " +
		"by embedding similarity and periodically consolidated into semantic summaries.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $TROUPE_MEMORY_CONFIG)")
	RootCmd.PersistentFlags().StringVar(&memoryDir, "dir", "", "Memory directory (default: config memory_dir)")
	RootCmd.PersistentFlags().StringVarP(&agentName, "agent", "a", "default", "Agent whose memory to use")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// session is everything a command needs: config, logger, metrics and a
// registry of agent stores sharing one embedder.
type session struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	embedder embedding.Embedder
	reg      *registry.Registry
}

func openSession() (*session, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if memoryDir != "" {
		cfg.MemoryDir = memoryDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger := logging.New(cfg.Log)
	emb, err := embedding.New(cfg.Embedding)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	collector := metrics.NewCollector("troupe_memory")
	reg := registry.New(cfg.MemoryDir, emb, logger, store.WithMetrics(collector))
	return &session{cfg: cfg, logger: logger, metrics: collector, embedder: emb, reg: reg}, nil
}

func (s *session) Close() error {
	err := s.reg.Close()
	if c, ok := s.embedder.(*embedding.CachedEmbedder); ok {
		c.Close()
	}
	s.logger.Sync()
	return err
}

// agentStore is the --agent store; closing it closes the whole session.
type agentStore struct {
	*store.SQLiteStore
	sess *session
}

func (a *agentStore) Close() error { return a.sess.Close() }

func openStore() (*agentStore, error) {
	sess, err := openSession()
	if err != nil {
		return nil, err
	}
	s, err := sess.reg.Open(agentName)
	if err != nil {
		sess.Close()
		return nil, err
	}
	return &agentStore{SQLiteStore: s, sess: sess}, nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
