package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/webdav-gateway/davengine/internal/config"
	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/webdav/lock"
	"github.com/webdav-gateway/davengine/internal/webdav/property"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

// newLogger 按配置创建日志器
func newLogger(cfg config.LoggingConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	switch cfg.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
		return logger, f, nil
	}
	return logger, nil, nil
}

// newFileSystem 创建资源存储后端
func newFileSystem(ctx context.Context, cfg config.StorageConfig) (storage.FileSystem, error) {
	switch cfg.Type {
	case "memory":
		return storage.NewMemoryFS(), nil
	case "local":
		return storage.NewLocalFS(cfg.Local.RootPath)
	case "minio":
		return storage.NewMinioFS(ctx, storage.MinioConfig{
			Endpoint:     cfg.MinIO.Endpoint,
			AccessKey:    cfg.MinIO.AccessKey,
			SecretKey:    cfg.MinIO.SecretKey,
			UseSSL:       cfg.MinIO.UseSSL,
			Bucket:       cfg.MinIO.BucketName,
			StatCacheTTL: cfg.MinIO.StatCacheTTL,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// newPropertyStore 创建死属性存储，cache_size > 0 时包一层 LRU 缓存
func newPropertyStore(ctx context.Context, cfg *config.Config) (property.Store, error) {
	var (
		store property.Store
		err   error
	)

	switch cfg.Properties.Backend {
	case "memory":
		store = property.NewMemoryStore()
	case "textfile":
		root := cfg.Properties.Path
		if root == "" && cfg.Storage.Type == "local" {
			root = cfg.Storage.Local.RootPath
		}
		store, err = property.NewTextFileStore(root)
	case "sqlite":
		if err = ensureParentDir(cfg.Properties.Path); err != nil {
			return nil, err
		}
		store, err = property.NewSQLiteStore(ctx, cfg.Properties.Path)
	case "postgres":
		store, err = property.NewPostgresStore(ctx, cfg.PostgresDSN())
	case "badger":
		store, err = property.NewBadgerStore(cfg.Properties.Path)
	default:
		return nil, fmt.Errorf("unknown property backend %q", cfg.Properties.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s property store: %w", cfg.Properties.Backend, err)
	}

	if cfg.Properties.CacheSize > 0 {
		store = property.NewCachedStore(store, cfg.Properties.CacheSize, cfg.Properties.CacheTTL)
	}
	return store, nil
}

// newLockManager 创建锁管理器，锁定未启用时返回 nil
func newLockManager(ctx context.Context, cfg config.LocksConfig, policy lock.TimeoutPolicy, logger logrus.FieldLogger) (*lock.LockManager, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		store lock.Store
		err   error
	)
	switch cfg.Backend {
	case "memory":
		store = lock.NewMemoryStore()
	case "sqlite":
		if err = ensureParentDir(cfg.Path); err != nil {
			return nil, err
		}
		store, err = lock.NewSQLiteStore(ctx, cfg.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		store, err = lock.NewRedisStore(ctx, client, cfg.Redis.KeyPrefix)
		if err != nil {
			client.Close()
		}
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s lock store: %w", cfg.Backend, err)
	}

	m, err := lock.NewManager(ctx, policy, lock.WithStore(store), lock.WithLogger(logger))
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.SweepInterval > 0 {
		m.StartSweep(cfg.SweepInterval)
	}
	return m, nil
}

// ensureHomes 确保每个用户的主目录存在
func ensureHomes(ctx context.Context, fs storage.FileSystem, homes []string) error {
	for _, home := range homes {
		if home == "/" || home == "" {
			continue
		}
		if _, err := fs.Stat(ctx, home); err == nil {
			continue
		}
		if err := mkdirAll(ctx, fs, home); err != nil {
			return fmt.Errorf("create home %s: %w", home, err)
		}
	}
	return nil
}

func mkdirAll(ctx context.Context, fs storage.FileSystem, p string) error {
	if parent := utils.ParentPath(p); parent != "/" {
		if _, err := fs.Stat(ctx, parent); err != nil {
			if err := mkdirAll(ctx, fs, parent); err != nil {
				return err
			}
		}
	}
	if err := fs.Mkdir(ctx, p); err != nil && !errors.Is(err, storage.ErrExists) {
		return err
	}
	return nil
}

func ensureParentDir(p string) error {
	if p == "" {
		return fmt.Errorf("path is required")
	}
	return os.MkdirAll(filepath.Dir(p), 0o755)
}
