package config

import (
	"time"

	"github.com/kaytu-io/kaytu-util/pkg/koanf"
)

type ProvisioningConfig struct {
	Postgres    koanf.Postgres   `json:"postgres,omitempty" koanf:"postgres"`
	Http        koanf.HttpServer `json:"http,omitempty" koanf:"http"`
	Nats        Nats             `json:"nats,omitempty" koanf:"nats"`
	Scheduler   Scheduler        `json:"scheduler,omitempty" koanf:"scheduler"`
	Azure       Azure            `json:"azure,omitempty" koanf:"azure"`
	AzBlob      AzBlob           `json:"az_blob,omitempty" koanf:"az_blob"`
	Marketplace Marketplace      `json:"marketplace,omitempty" koanf:"marketplace"`
	Retry       Retry            `json:"retry,omitempty" koanf:"retry"`
}

type Nats struct {
	Enabled  bool   `json:"enabled,omitempty" koanf:"enabled"`
	URL      string `json:"url,omitempty" koanf:"url"`
	Stream   string `json:"stream,omitempty" koanf:"stream"`
	Subject  string `json:"subject,omitempty" koanf:"subject"`
	Consumer string `json:"consumer,omitempty" koanf:"consumer"`
}

type Scheduler struct {
	Interval         time.Duration `json:"interval,omitempty" koanf:"interval"`
	Workers          int           `json:"workers,omitempty" koanf:"workers"`
	RatePerSecond    float64       `json:"rate_per_second,omitempty" koanf:"rate_per_second"`
	Burst            int           `json:"burst,omitempty" koanf:"burst"`
	OperationTimeout time.Duration `json:"operation_timeout,omitempty" koanf:"operation_timeout"`
}

// Azure holds the service principal used against resource manager, blob
// storage and the marketplace. Empty credentials fall back to the default
// azure credential chain.
type Azure struct {
	TenantID     string `json:"tenant_id,omitempty" koanf:"tenant_id"`
	ClientID     string `json:"client_id,omitempty" koanf:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" koanf:"client_secret"`
	// RollbackOnError redeploys the last successful deployment when a
	// template deployment fails.
	RollbackOnError bool          `json:"rollback_on_error,omitempty" koanf:"rollback_on_error"`
	WebhookTimeout  time.Duration `json:"webhook_timeout,omitempty" koanf:"webhook_timeout"`
}

// AzBlob locates ARM templates. Template paths that are not full blob urls
// are read from Container.
type AzBlob struct {
	AccountUrl string `json:"account_url,omitempty" koanf:"account_url"`
	Container  string `json:"container,omitempty" koanf:"container"`
}

type Marketplace struct {
	BaseURL    string `json:"base_url,omitempty" koanf:"base_url"`
	APIVersion string `json:"api_version,omitempty" koanf:"api_version"`
	Scope      string `json:"scope,omitempty" koanf:"scope"`
}

type Retry struct {
	Ceiling int `json:"ceiling,omitempty" koanf:"ceiling"`
}
