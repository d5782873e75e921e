package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormprom "gorm.io/plugin/prometheus"
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 10
	defaultMaxLifetime  = 5 * time.Minute
	defaultSSLMode      = "disable"
)

type Config struct {
	Host    string
	Port    string
	User    string
	Passwd  string
	DB      string
	SSLMode string

	Connection struct {
		MaxOpen     int
		MaxIdle     int
		MaxLifetime time.Duration
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Host == "" {
		return errors.New("postgres host is empty")
	}
	if cfg.Port == "" {
		return errors.New("postgres port is empty")
	}
	if cfg.User == "" {
		return errors.New("postgres user is empty")
	}
	if cfg.Passwd == "" {
		return errors.New("postgres password is empty")
	}
	if cfg.DB == "" {
		return errors.New("postgres db is empty")
	}

	if cfg.SSLMode == "" {
		cfg.SSLMode = defaultSSLMode
	}
	if cfg.Connection.MaxOpen == 0 {
		cfg.Connection.MaxOpen = defaultMaxOpenConns
	}
	if cfg.Connection.MaxIdle == 0 {
		cfg.Connection.MaxIdle = defaultMaxIdleConns
	}
	if cfg.Connection.MaxLifetime == 0 {
		cfg.Connection.MaxLifetime = defaultMaxLifetime
	}
	return nil
}

// NewClient opens the pool and registers the gorm_dbstats_* collectors
// (open, in use, idle, wait count and duration, closed by idle/lifetime).
func NewClient(cfg *Config, log *zap.Logger) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.New("cfg is nil")
	}
	if log == nil {
		return nil, errors.New("logger is nil")
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=GMT`,
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Passwd,
		cfg.DB,
		cfg.SSLMode,
	)

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}

	metrics := gormprom.New(gormprom.Config{
		DBName: cfg.DB,
	})
	if err := metrics.Initialize(orm); err != nil {
		return nil, fmt.Errorf("init gorm prometheus: %w", err)
	}
	for _, collector := range metrics.Collectors {
		if err := prometheus.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				log.Warn("failed to register gorm collector", zap.Error(err))
			}
		}
	}

	db, err := orm.DB()
	if err != nil {
		return nil, fmt.Errorf("raw db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db.SetMaxOpenConns(cfg.Connection.MaxOpen)
	db.SetMaxIdleConns(cfg.Connection.MaxIdle)
	db.SetConnMaxLifetime(cfg.Connection.MaxLifetime)

	log.Info("connected to postgres", zap.String("host", cfg.Host), zap.String("db", cfg.DB))

	return orm, nil
}
