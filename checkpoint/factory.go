package checkpoint

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backend 存储后端类型
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendDatabase Backend = "database"
	BackendRedis    Backend = "redis"
	BackendMongo    Backend = "mongo"
)

// Config 检查点存储配置
type Config struct {
	Backend     Backend `yaml:"backend" env:"BACKEND" json:"backend"`
	KeyPrefix   string  `yaml:"key_prefix" env:"KEY_PREFIX" json:"key_prefix"`
	AutoMigrate bool    `yaml:"auto_migrate" env:"AUTO_MIGRATE" json:"auto_migrate"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Backend:     BackendMemory,
		KeyPrefix:   "pipeflow:",
		AutoMigrate: true,
	}
}

// Clients 已建立连接的后端客户端，由调用方创建和关闭
type Clients struct {
	DB    *gorm.DB
	Redis *redis.Client
	Mongo *mongo.Database
	// Tx 可选，数据库后端提交步骤时使用的事务执行器
	Tx TxRunner
}

// New 按配置创建存储
func New(ctx context.Context, cfg Config, clients Clients, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil

	case BackendDatabase:
		if clients.DB == nil {
			return nil, fmt.Errorf("%w: database backend requires a database connection", ErrInvalidInput)
		}
		return NewGormStore(clients.DB, cfg.AutoMigrate, logger, WithTxRunner(clients.Tx))

	case BackendRedis:
		if clients.Redis == nil {
			return nil, fmt.Errorf("%w: redis backend requires a redis client", ErrInvalidInput)
		}
		return NewRedisStore(clients.Redis, cfg.KeyPrefix, logger)

	case BackendMongo:
		if clients.Mongo == nil {
			return nil, fmt.Errorf("%w: mongo backend requires a mongo database", ErrInvalidInput)
		}
		store, err := NewMongoStore(clients.Mongo, logger)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w: unknown checkpoint backend %q", ErrInvalidInput, cfg.Backend)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*MongoStore)(nil)
)
