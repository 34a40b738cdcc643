// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"nexus-inventory/internal/pkg/nacos"
)

// Config 是库存服务的完整配置
type Config struct {
	App         AppConfig         `yaml:"app"`
	Infra       InfraConfig       `yaml:"infra"`
	Reservation ReservationConfig `yaml:"reservation"`
}

type AppConfig struct {
	ServiceName string `yaml:"serviceName"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
}

type InfraConfig struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Bolt      BoltConfig      `yaml:"bolt"`
	Redis     RedisConfig     `yaml:"redis"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type MySQLConfig struct {
	Addr            string        `yaml:"addr"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	SlowThreshold   time.Duration `yaml:"slowThreshold"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig Addrs 为空时不启用缓存与清理租约
type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

// ZooKeeperConfig Servers 为逗号分隔的地址, 只在 reservation.lease=zookeeper 时使用
type ZooKeeperConfig struct {
	Servers        string        `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	LockRoot       string        `yaml:"lockRoot"`
}

// ServerList 拆分逗号分隔的 ZooKeeper 地址
func (z ZooKeeperConfig) ServerList() []string {
	return splitList(z.Servers)
}

// KafkaConfig Brokers 为空时不发布事件, 也不消费订单事件
type KafkaConfig struct {
	Brokers         string `yaml:"brokers"`
	StockEventTopic string `yaml:"stockEventTopic"`
	OrderEventTopic string `yaml:"orderEventTopic"`
	OrderEventDLT   string `yaml:"orderEventDlt"`
	ConsumerGroupID string `yaml:"consumerGroupId"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type NacosConfig struct {
	ServerAddrs string `yaml:"serverAddrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	DataID      string `yaml:"dataId"`
}

// 存储后端
const (
	StoreMySQL = "mysql"
	StoreBolt  = "bolt"
)

// 跨副本清理租约的实现。为空时 Redis 已配置则使用 Redis, 否则只做进程内互斥。
const (
	LeaseAuto      = ""
	LeaseNone      = "none"
	LeaseRedis     = "redis"
	LeaseZooKeeper = "zookeeper"
)

// ReservationConfig 预占引擎与过期清理的参数
type ReservationConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	CleanupInterval  time.Duration `yaml:"cleanupInterval"`
	CleanupBatchSize int           `yaml:"cleanupBatchSize"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	BackoffStep      time.Duration `yaml:"backoffStep"`
	CacheTTL         time.Duration `yaml:"cacheTtl"`
	Store            string        `yaml:"store"`
	Lease            string        `yaml:"lease"`
}

// BrokerList 拆分逗号分隔的 broker 地址
func (k KafkaConfig) BrokerList() []string {
	return splitList(k.Brokers)
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// DefaultConfig 本地开发可直接使用的默认值
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ServiceName: "inventory-service",
			Port:        8082,
			LogLevel:    "info",
		},
		Infra: InfraConfig{
			MySQL: MySQLConfig{
				Addr:            "localhost:3306",
				User:            "root",
				Database:        "nexus_inventory",
				MaxOpenConns:    50,
				MaxIdleConns:    10,
				ConnMaxLifetime: time.Hour,
				SlowThreshold:   200 * time.Millisecond,
			},
			Bolt: BoltConfig{Path: "inventory.db"},
			ZooKeeper: ZooKeeperConfig{
				SessionTimeout: 10 * time.Second,
				LockRoot:       "/distributed_locks",
			},
			Kafka: KafkaConfig{
				StockEventTopic: "stock-reservation-events",
				OrderEventTopic: "order-lifecycle-topic",
				OrderEventDLT:   "order-lifecycle-topic-dlt",
				ConsumerGroupID: "inventory-service-group",
			},
			Nacos: NacosConfig{
				Group:  "DEFAULT_GROUP",
				DataID: "inventory-service.yaml",
			},
		},
		Reservation: ReservationConfig{
			Timeout:          15 * time.Minute,
			CleanupInterval:  5 * time.Minute,
			CleanupBatchSize: 500,
			MaxAttempts:      3,
			BackoffStep:      50 * time.Millisecond,
			CacheTTL:         5 * time.Second,
			Store:            StoreMySQL,
		},
	}
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回最近一次 LoadConfig 的结果, 尚未加载时返回默认值
func GetCurrentConfig() *Config {
	if cfg := currentConfig.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

// LoadConfig 加载顺序: 默认值 -> CONFIG_FILE 或 Nacos 配置中心 -> 环境变量 -> 校验
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	} else if addrs := getEnv("NACOS_SERVER_ADDRS", ""); addrs != "" {
		cfg.Infra.Nacos.ServerAddrs = addrs
		cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
		cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
		cfg.Infra.Nacos.DataID = getEnv("NACOS_DATA_ID", cfg.Infra.Nacos.DataID)
		if err := loadFromNacos(cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	currentConfig.Store(cfg)
	return cfg, nil
}

func loadFromNacos(cfg *Config) error {
	n := cfg.Infra.Nacos
	client, err := nacos.NewConfigClient(n.ServerAddrs, n.Namespace)
	if err != nil {
		return err
	}
	defer client.Close()

	content, err := client.GetConfig(n.DataID, n.Group)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return errors.Wrapf(err, "parse nacos config %s/%s", n.Group, n.DataID)
	}
	return nil
}

// applyEnv 环境变量覆盖文件配置
func applyEnv(cfg *Config) error {
	cfg.App.ServiceName = getEnv("SERVICE_NAME", cfg.App.ServiceName)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", cfg.Infra.MySQL.Addr)
	cfg.Infra.MySQL.User = getEnv("MYSQL_USER", cfg.Infra.MySQL.User)
	cfg.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", cfg.Infra.MySQL.Password)
	cfg.Infra.MySQL.Database = getEnv("MYSQL_DATABASE", cfg.Infra.MySQL.Database)
	cfg.Infra.Bolt.Path = getEnv("BOLT_PATH", cfg.Infra.Bolt.Path)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Reservation.Store = getEnv("RESERVATION_STORE", cfg.Reservation.Store)
	cfg.Reservation.Lease = getEnv("RESERVATION_LEASE", cfg.Reservation.Lease)
	cfg.Infra.ZooKeeper.Servers = getEnv("ZOOKEEPER_SERVERS", cfg.Infra.ZooKeeper.Servers)

	var err error
	if cfg.App.Port, err = getEnvInt("APP_PORT", cfg.App.Port); err != nil {
		return err
	}
	if cfg.Reservation.CleanupBatchSize, err = getEnvInt("RESERVATION_CLEANUP_BATCH_SIZE", cfg.Reservation.CleanupBatchSize); err != nil {
		return err
	}
	if cfg.Reservation.MaxAttempts, err = getEnvInt("RESERVATION_MAX_ATTEMPTS", cfg.Reservation.MaxAttempts); err != nil {
		return err
	}
	if cfg.Reservation.Timeout, err = getEnvDuration("RESERVATION_TIMEOUT", cfg.Reservation.Timeout); err != nil {
		return err
	}
	if cfg.Reservation.CleanupInterval, err = getEnvDuration("RESERVATION_CLEANUP_INTERVAL", cfg.Reservation.CleanupInterval); err != nil {
		return err
	}
	if cfg.Reservation.BackoffStep, err = getEnvDuration("RESERVATION_BACKOFF_STEP", cfg.Reservation.BackoffStep); err != nil {
		return err
	}
	if cfg.Reservation.CacheTTL, err = getEnvDuration("RESERVATION_CACHE_TTL", cfg.Reservation.CacheTTL); err != nil {
		return err
	}
	return nil
}

// Validate 检查会导致引擎行为异常的配置
func (c *Config) Validate() error {
	r := c.Reservation
	switch {
	case c.App.ServiceName == "":
		return errors.New("config: app.serviceName is required")
	case c.App.Port <= 0 || c.App.Port > 65535:
		return errors.Errorf("config: invalid app.port %d", c.App.Port)
	case r.Timeout <= 0:
		return errors.Errorf("config: reservation.timeout must be positive, got %s", r.Timeout)
	case r.CleanupInterval <= 0:
		return errors.Errorf("config: reservation.cleanupInterval must be positive, got %s", r.CleanupInterval)
	case r.CleanupBatchSize <= 0:
		return errors.Errorf("config: reservation.cleanupBatchSize must be positive, got %d", r.CleanupBatchSize)
	case r.MaxAttempts <= 0:
		return errors.Errorf("config: reservation.maxAttempts must be positive, got %d", r.MaxAttempts)
	case r.BackoffStep < 0:
		return errors.Errorf("config: reservation.backoffStep must not be negative, got %s", r.BackoffStep)
	}

	switch r.Store {
	case StoreMySQL:
		if c.Infra.MySQL.Addr == "" || c.Infra.MySQL.Database == "" {
			return errors.New("config: mysql store requires infra.mysql.addr and infra.mysql.database")
		}
	case StoreBolt:
		if c.Infra.Bolt.Path == "" {
			return errors.New("config: bolt store requires infra.bolt.path")
		}
	default:
		return errors.Errorf("config: unknown reservation.store %q", r.Store)
	}

	switch r.Lease {
	case LeaseAuto, LeaseNone:
	case LeaseRedis:
		if c.Infra.Redis.Addrs == "" {
			return errors.New("config: redis lease requires infra.redis.addrs")
		}
	case LeaseZooKeeper:
		zk := c.Infra.ZooKeeper
		if zk.Servers == "" || zk.LockRoot == "" || zk.SessionTimeout <= 0 {
			return errors.New("config: zookeeper lease requires infra.zookeeper.servers, lockRoot and a positive sessionTimeout")
		}
	default:
		return errors.Errorf("config: unknown reservation.lease %q", r.Lease)
	}

	if c.Infra.Kafka.Brokers != "" && c.Infra.Kafka.StockEventTopic == "" {
		return errors.New("config: infra.kafka.stockEventTopic is required when brokers are set")
	}
	return nil
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", key)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", key)
	}
	return d, nil
}
