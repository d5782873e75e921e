package model

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Offer struct {
	gorm.Model
	OfferName               string `gorm:"uniqueIndex"`
	HostSubscription        string
	ManualActivation        bool
	ManualCompleteOperation bool
}

// Plan points at templates and webhooks by name inside its offer. An empty
// name means the plan has nothing to run for that action.
type Plan struct {
	gorm.Model
	OfferName           string `gorm:"uniqueIndex:idx_offer_plan"`
	PlanName            string `gorm:"uniqueIndex:idx_offer_plan"`
	DataRetentionInDays int

	SubscribeArmTemplateName   string
	UnsubscribeArmTemplateName string
	SuspendArmTemplateName     string
	DeleteDataArmTemplateName  string

	SubscribeWebhookName   string
	UnsubscribeWebhookName string
	SuspendWebhookName     string
	DeleteDataWebhookName  string
}

type ArmTemplate struct {
	gorm.Model
	OfferName        string `gorm:"uniqueIndex:idx_offer_template"`
	TemplateName     string `gorm:"uniqueIndex:idx_offer_template"`
	TemplateFilePath string
}

type ArmTemplateParameter struct {
	gorm.Model
	OfferName string `gorm:"uniqueIndex:idx_offer_template_parameter"`
	Name      string `gorm:"uniqueIndex:idx_offer_template_parameter"`
	Type      string
	Value     string
}

type Webhook struct {
	gorm.Model
	OfferName   string `gorm:"uniqueIndex:idx_offer_webhook"`
	WebhookName string `gorm:"uniqueIndex:idx_offer_webhook"`
	WebhookUrl  string
}

type WebhookParameter struct {
	gorm.Model
	OfferName string `gorm:"uniqueIndex:idx_offer_webhook_parameter"`
	Name      string `gorm:"uniqueIndex:idx_offer_webhook_parameter"`
	Value     string
}

// IpConfig hands out address ranges of IpRangeLength addresses from its blocks.
type IpConfig struct {
	gorm.Model
	OfferName     string `gorm:"uniqueIndex:idx_offer_ip_config"`
	Name          string `gorm:"uniqueIndex:idx_offer_ip_config"`
	IpRangeLength int
}

type IpBlock struct {
	gorm.Model
	IpConfigID uint `gorm:"index"`
	CIDR       string
}

type IpAddress struct {
	gorm.Model
	IpBlockID      uint       `gorm:"index"`
	Value          string     `gorm:"uniqueIndex"`
	SubscriptionID *uuid.UUID `gorm:"type:uuid;index"`
	IsAvailable    bool       `gorm:"index"`
}
