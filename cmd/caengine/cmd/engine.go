package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pkisouverain/caengine/internal/config"
	"github.com/pkisouverain/caengine/keyprotect"
	"github.com/pkisouverain/caengine/notify"
	"github.com/pkisouverain/caengine/pki"
	"github.com/pkisouverain/caengine/storage"
	bboltstorage "github.com/pkisouverain/caengine/storage/bbolt"
	"github.com/pkisouverain/caengine/storage/memory"
	"github.com/pkisouverain/caengine/storage/postgres"
)

// instance is an engine together with the resources it holds open.
type instance struct {
	engine  *pki.Engine
	logger  *slog.Logger
	closers []func()
}

func (in *instance) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// openRepository opens the storage backend named by cfg.Storage.Driver.
func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), func() {}, nil
	case config.DriverPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case config.DriverBbolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "caengine.db"), &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open CA storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// openEngine wires storage, key protection, metrics and notification into
// an engine.
func openEngine(ctx context.Context, cfg config.Config, metrics *pki.Metrics) (*instance, error) {
	logger := newLogger()
	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	in := &instance{logger: logger, closers: []func(){closeRepo}}

	var blobs keyprotect.BlobStore = keyprotect.NewRepoStore(repo)
	if cfg.Keys.Dir != "" {
		dir, err := keyprotect.NewDirStore(cfg.Keys.Dir)
		if err != nil {
			in.Close()
			return nil, err
		}
		blobs = dir
	}

	opts := []pki.Option{
		pki.WithLogger(logger),
		pki.WithProfile(cfg.Profile()),
	}
	if metrics != nil {
		opts = append(opts, pki.WithMetrics(metrics))
	}
	if cfg.SMTP.Enabled {
		n, err := notify.NewSMTPNotifier(cfg.SMTP.SMTPConfig, notify.SubjectRefAsAddress, logger)
		if err != nil {
			in.Close()
			return nil, err
		}
		opts = append(opts, pki.WithNotifier(n))
	}

	passwords := keyprotect.EnvPasswordSource{EnvVar: cfg.Keys.PasswordEnv, Default: cfg.Keys.DefaultPassword}
	in.engine = pki.New(repo, keyprotect.New(blobs), passwords, opts...)
	return in, nil
}

// withEngine loads the configuration, opens an engine for the duration of
// fn and closes it afterwards.
func withEngine(ctx context.Context, fn func(*pki.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	in, err := openEngine(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer in.Close()
	return fn(in.engine)
}
