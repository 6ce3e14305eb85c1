package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level      string `mapstructure:"level"`
		ShowCaller bool   `mapstructure:"showcaller"`
	} `mapstructure:"log"`
	Session struct {
		GracePeriod        time.Duration `mapstructure:"graceperiod"`
		CheckpointInterval time.Duration `mapstructure:"checkpointinterval"`
		RetainOps          uint64        `mapstructure:"retainops"`
		// lower-first | higher-first
		TieBreak string `mapstructure:"tiebreak"`
		// websocket 并发提交上限
		MaxInflight int `mapstructure:"maxinflight"`
	} `mapstructure:"session"`
	Storage struct {
		// memory | badger | mysql | mongo | redis
		Backend    string `mapstructure:"backend"`
		BadgerPath string `mapstructure:"badgerpath"`
	} `mapstructure:"storage"`
	OpLog struct {
		// memory | badger
		Backend    string `mapstructure:"backend"`
		BadgerPath string `mapstructure:"badgerpath"`
	} `mapstructure:"oplog"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Mongo struct {
		URI        string `mapstructure:"uri"`
		Database   string `mapstructure:"database"`
		Collection string `mapstructure:"collection"`
	} `mapstructure:"mongo"`
	Redis struct {
		// 为空时不启用 presence
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// 为空时不发送 Kafka 事件
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
		Queue   int      `mapstructure:"queue"`
	} `mapstructure:"kafka"`
	Auth struct {
		// remote | jwt | none
		Mode   string `mapstructure:"mode"`
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Suggest struct {
		APIKey   string `mapstructure:"apikey"`
		Endpoint string `mapstructure:"endpoint"`
		Model    string `mapstructure:"model"`
		// 主模型返回 404 时改用该模型
		FallbackModel string        `mapstructure:"fallbackmodel"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"suggest"`
	Cors struct {
		Enabled bool     `mapstructure:"enabled"`
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8081)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.showcaller", false)
	v.SetDefault("session.graceperiod", 30*time.Second)
	v.SetDefault("session.checkpointinterval", time.Minute)
	v.SetDefault("session.retainops", 100)
	v.SetDefault("session.tiebreak", "lower-first")
	v.SetDefault("session.maxinflight", 100)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.badgerpath", "./data/badger")
	v.SetDefault("oplog.backend", "memory")
	v.SetDefault("oplog.badgerpath", "./data/badger")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "docsync")
	v.SetDefault("mongo.collection", "snapshots")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-events")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.queue", 10_000)
	v.SetDefault("auth.mode", "none")
	v.SetDefault("auth.path", "http://localhost:3001")
	v.SetDefault("auth.secret", "")
	v.SetDefault("suggest.apikey", "")
	v.SetDefault("suggest.endpoint", "https://generativelanguage.googleapis.com")
	v.SetDefault("suggest.model", "gemini-1.5-pro-002")
	v.SetDefault("suggest.fallbackmodel", "gemini-1.0-pro")
	v.SetDefault("suggest.timeout", 10*time.Second)
	v.SetDefault("cors.enabled", false)
	v.SetDefault("cors.origins", []string{"http://localhost:3000"})
}

// Load 读取 collabConfig.yaml；兼容从项目根目录或 backend 目录启动。
// 找不到文件时只用默认值和环境变量（COLLAB_SUGGEST_APIKEY 之类）。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "badger", "redis":
	case "mysql":
		if c.Mysql.DSN == "" {
			return errors.New("storage.backend=mysql requires mysql.dsn")
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return errors.New("storage.backend=mongo requires mongo.uri")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && len(c.Redis.Addrs) == 0 {
		return errors.New("storage.backend=redis requires redis.addrs")
	}
	switch c.OpLog.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown oplog.backend %q", c.OpLog.Backend)
	}
	switch c.Auth.Mode {
	case "none", "remote":
	case "jwt":
		if c.Auth.Secret == "" {
			return errors.New("auth.mode=jwt requires auth.secret")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	return nil
}
