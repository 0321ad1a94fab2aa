package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/webdav-gateway/davengine/internal/webdav/engine"
	"github.com/webdav-gateway/davengine/internal/webdav/lock"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	WebDAV     WebDAVConfig     `mapstructure:"webdav"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Properties PropertiesConfig `mapstructure:"properties"`
	Locks      LocksConfig      `mapstructure:"locks"`
	CopyMove   CopyMoveConfig   `mapstructure:"copy_move"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release production test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WebDAVConfig WebDAV 路由与请求限制
type WebDAVConfig struct {
	Prefix        string `mapstructure:"prefix" validate:"required,startswith=/"`
	MaxUploadSize string `mapstructure:"max_upload_size"` // 如 512MB，为空或 0 表示不限制
	PrettyXML     bool   `mapstructure:"pretty_xml"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	Anonymous     bool          `mapstructure:"anonymous"`
	AnonymousHome string        `mapstructure:"anonymous_home" validate:"startswith=/"`
	JWTSecret     string        `mapstructure:"jwt_secret" validate:"required_without=Anonymous"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	Users         []UserConfig  `mapstructure:"users" validate:"dive"`
}

// UserConfig 配置文件中的用户，密码为 bcrypt 哈希
type UserConfig struct {
	Username     string `mapstructure:"username" validate:"required"`
	PasswordHash string `mapstructure:"password_hash" validate:"required"`
	DisplayName  string `mapstructure:"display_name"`
	Home         string `mapstructure:"home" validate:"omitempty,startswith=/"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type  string      `mapstructure:"type" validate:"oneof=memory local minio"`
	MinIO MinIOConfig `mapstructure:"minio"`
	Local LocalConfig `mapstructure:"local"`
}

// MinIOConfig MinIO配置
type MinIOConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	AccessKey    string        `mapstructure:"access_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	UseSSL       bool          `mapstructure:"use_ssl"`
	BucketName   string        `mapstructure:"bucket_name"`
	StatCacheTTL time.Duration `mapstructure:"stat_cache_ttl"`
}

// LocalConfig 本地存储配置
type LocalConfig struct {
	RootPath string `mapstructure:"root_path"`
}

// PropertiesConfig 死属性存储配置
type PropertiesConfig struct {
	Backend   string         `mapstructure:"backend" validate:"oneof=memory textfile sqlite postgres badger"`
	Path      string         `mapstructure:"path"` // textfile 根目录、sqlite 文件或 badger 目录
	Postgres  PostgresConfig `mapstructure:"postgres"`
	CacheSize int            `mapstructure:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration  `mapstructure:"cache_ttl"`
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LocksConfig 锁定配置
type LocksConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Backend        string        `mapstructure:"backend" validate:"oneof=memory sqlite redis"`
	Path           string        `mapstructure:"path"`
	Redis          RedisConfig   `mapstructure:"redis"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout" validate:"gtefield=DefaultTimeout"`
	AllowInfinite  bool          `mapstructure:"allow_infinite"`
	Rounding       time.Duration `mapstructure:"rounding" validate:"gte=0"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// CopyMoveConfig 复制/移动配置
type CopyMoveConfig struct {
	TargetBehaviour string `mapstructure:"target_behaviour"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	Output string `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("webdav.prefix", "/dav")
	v.SetDefault("webdav.max_upload_size", "512MB")
	v.SetDefault("webdav.pretty_xml", false)
	v.SetDefault("auth.anonymous", false)
	v.SetDefault("auth.anonymous_home", "/")
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local.root_path", "./data/files")
	v.SetDefault("storage.minio.endpoint", "localhost:9000")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("storage.minio.bucket_name", "webdav-files")
	v.SetDefault("storage.minio.stat_cache_ttl", 30*time.Second)
	v.SetDefault("properties.backend", "sqlite")
	v.SetDefault("properties.path", "./data/properties.db")
	v.SetDefault("properties.postgres.port", 5432)
	v.SetDefault("properties.postgres.ssl_mode", "disable")
	v.SetDefault("properties.cache_size", 1024)
	v.SetDefault("properties.cache_ttl", 5*time.Minute)
	v.SetDefault("locks.enabled", true)
	v.SetDefault("locks.backend", "memory")
	v.SetDefault("locks.path", "./data/locks.db")
	v.SetDefault("locks.redis.address", "localhost:6379")
	v.SetDefault("locks.redis.timeout", 5*time.Second)
	v.SetDefault("locks.redis.key_prefix", "davengine:locks:")
	v.SetDefault("locks.default_timeout", time.Hour)
	v.SetDefault("locks.max_timeout", 24*time.Hour)
	v.SetDefault("locks.allow_infinite", false)
	v.SetDefault("locks.rounding", time.Second)
	v.SetDefault("locks.sweep_interval", time.Minute)
	v.SetDefault("copy_move.target_behaviour", engine.DeleteTarget.String())
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// LoadEnvFile 加载 .env 文件，文件不存在时忽略
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load 加载配置，configFile 为空时按默认路径查找 config.yaml
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/davengine")
		v.AddConfigPath("$HOME/.davengine")
	}

	// DAVENGINE_LOCKS_BACKEND 覆盖 locks.backend
	v.SetEnvPrefix("DAVENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	setEnvOverrides(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// setEnvOverrides 常用的无前缀环境变量
func setEnvOverrides(v *viper.Viper) {
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		v.Set("server.address", addr)
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		v.Set("server.mode", mode)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("auth.jwt_secret", secret)
	}

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		v.Set("storage.minio.endpoint", endpoint)
	}
	if accessKey := os.Getenv("MINIO_ACCESS_KEY"); accessKey != "" {
		v.Set("storage.minio.access_key", accessKey)
	}
	if secretKey := os.Getenv("MINIO_SECRET_KEY"); secretKey != "" {
		v.Set("storage.minio.secret_key", secretKey)
	}
	if bucket := os.Getenv("MINIO_BUCKET_NAME"); bucket != "" {
		v.Set("storage.minio.bucket_name", bucket)
	}

	if pgHost := os.Getenv("POSTGRES_HOST"); pgHost != "" {
		v.Set("properties.postgres.host", pgHost)
	}
	if pgPort := os.Getenv("POSTGRES_PORT"); pgPort != "" {
		if port, err := strconv.Atoi(pgPort); err == nil {
			v.Set("properties.postgres.port", port)
		}
	}
	if pgUser := os.Getenv("POSTGRES_USERNAME"); pgUser != "" {
		v.Set("properties.postgres.username", pgUser)
	}
	if pgPassword := os.Getenv("POSTGRES_PASSWORD"); pgPassword != "" {
		v.Set("properties.postgres.password", pgPassword)
	}
	if pgDatabase := os.Getenv("POSTGRES_DATABASE"); pgDatabase != "" {
		v.Set("properties.postgres.database", pgDatabase)
	}

	if redisAddr := os.Getenv("REDIS_ADDRESS"); redisAddr != "" {
		v.Set("locks.redis.address", redisAddr)
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("locks.redis.password", redisPassword)
	}
	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			v.Set("locks.redis.db", db)
		}
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if strings.TrimSuffix(c.WebDAV.Prefix, "/") == "" {
		return errors.New("invalid config: webdav.prefix must not be the root")
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return fmt.Errorf("invalid config: webdav.max_upload_size: %w", err)
	}
	if _, err := c.TargetBehaviour(); err != nil {
		return fmt.Errorf("invalid config: copy_move.target_behaviour: %w", err)
	}
	if c.Properties.Backend == "postgres" && c.Properties.Postgres.Host == "" {
		return errors.New("invalid config: properties.postgres.host is required for the postgres backend")
	}
	if c.Storage.Type == "minio" && c.Storage.MinIO.BucketName == "" {
		return errors.New("invalid config: storage.minio.bucket_name is required for the minio backend")
	}
	return nil
}

// MaxUploadBytes 解析上传大小限制，0 表示不限制
func (c *Config) MaxUploadBytes() (int64, error) {
	s := strings.TrimSpace(c.WebDAV.MaxUploadSize)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// TargetBehaviour 复制/移动覆盖目标时的行为
func (c *Config) TargetBehaviour() (engine.TargetBehaviour, error) {
	return engine.ParseTargetBehaviour(c.CopyMove.TargetBehaviour)
}

// LockPolicy 锁超时策略
func (c *Config) LockPolicy() lock.TimeoutPolicy {
	return lock.TimeoutPolicy{
		DefaultTimeout: c.Locks.DefaultTimeout,
		MaxTimeout:     c.Locks.MaxTimeout,
		AllowInfinite:  c.Locks.AllowInfinite,
		Rounding:       c.Locks.Rounding,
	}
}

// PostgresDSN 属性存储使用的 PostgreSQL 连接字符串
func (c *Config) PostgresDSN() string {
	return buildPostgresDSN(c.Properties.Postgres)
}

// buildPostgresDSN 构建PostgreSQL DSN
func buildPostgresDSN(config PostgresConfig) string {
	dsn := "host=" + config.Host
	dsn += " port=" + strconv.Itoa(config.Port)
	dsn += " user=" + config.Username
	dsn += " password=" + config.Password
	dsn += " dbname=" + config.Database
	dsn += " sslmode=" + config.SSLMode
	return dsn
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Mode == "production" || c.Server.Mode == "release"
}

// GetGINMode 获取Gin模式
func (c *Config) GetGINMode() string {
	switch c.Server.Mode {
	case "debug":
		return gin.DebugMode
	case "release", "production":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	default:
		return gin.DebugMode
	}
}
