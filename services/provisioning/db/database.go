package db

import (
	"fmt"

	"github.com/kaytu-io/kaytu-marketplace/pkg/postgres"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-util/pkg/koanf"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Database struct {
	Orm *gorm.DB
}

func NewDatabase(config koanf.Postgres, logger *zap.Logger) (Database, error) {
	cfg := postgres.Config{
		Host:   config.Host,
		Port:   config.Port,
		User:   config.Username,
		Passwd: config.Password,
		DB:     config.DB,
	}
	orm, err := postgres.NewClient(&cfg, logger)
	if err != nil {
		return Database{}, fmt.Errorf("new postgres client: %w", err)
	}

	return Database{
		Orm: orm,
	}, nil
}

func (db Database) Initialize() error {
	err := db.Orm.AutoMigrate(
		&model.Offer{},
		&model.Plan{},
		&model.ArmTemplate{},
		&model.ArmTemplateParameter{},
		&model.Webhook{},
		&model.WebhookParameter{},
		&model.IpConfig{},
		&model.IpBlock{},
		&model.IpAddress{},
		&model.Subscription{},
		&model.SubscriptionParameter{},
		&model.ProvisioningEvent{},
	)
	if err != nil {
		return err
	}

	return nil
}
