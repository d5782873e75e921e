package catalog

import (
	"context"
	"fmt"

	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Importer struct {
	logger      *zap.Logger
	db          *gorm.DB
	ipAddresses repo.IpAddressRepo
}

func NewImporter(logger *zap.Logger, db *gorm.DB, ipAddresses repo.IpAddressRepo) *Importer {
	return &Importer{
		logger:      logger.Named("catalog"),
		db:          db,
		ipAddresses: ipAddresses,
	}
}

// Import writes the offers into the catalog tables. Each offer replaces its
// previous definition in one transaction. Ip configs are only added or
// updated since their addresses may already be assigned, and ip blocks are
// seeded once per cidr.
func (i *Importer) Import(ctx context.Context, offers []Offer) error {
	for _, o := range offers {
		if err := i.importOffer(ctx, o); err != nil {
			return fmt.Errorf("import offer %s: %w", o.Name, err)
		}
		if err := i.seedIpBlocks(ctx, o); err != nil {
			return fmt.Errorf("seed ip blocks of offer %s: %w", o.Name, err)
		}
		i.logger.Info("offer imported",
			zap.String("offer", o.Name),
			zap.Int("plans", len(o.Plans)),
			zap.Int("parameters", len(o.ArmTemplateParameters)+len(o.WebhookParameters)),
		)
	}
	return nil
}

func (i *Importer) importOffer(ctx context.Context, o Offer) error {
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		offer := []model.Offer{{
			OfferName:               o.Name,
			HostSubscription:        o.HostSubscription,
			ManualActivation:        o.ManualActivation,
			ManualCompleteOperation: o.ManualCompleteOperation,
		}}
		if err := upsert(tx, []string{"offer_name"},
			[]string{"host_subscription", "manual_activation", "manual_complete_operation", "updated_at"}, offer); err != nil {
			return err
		}

		plans := make([]model.Plan, 0, len(o.Plans))
		planNames := make([]string, 0, len(o.Plans))
		for _, p := range o.Plans {
			plans = append(plans, model.Plan{
				OfferName:                  o.Name,
				PlanName:                   p.Name,
				DataRetentionInDays:        p.DataRetentionInDays,
				SubscribeArmTemplateName:   p.ArmTemplates.Subscribe,
				UnsubscribeArmTemplateName: p.ArmTemplates.Unsubscribe,
				SuspendArmTemplateName:     p.ArmTemplates.Suspend,
				DeleteDataArmTemplateName:  p.ArmTemplates.DeleteData,
				SubscribeWebhookName:       p.Webhooks.Subscribe,
				UnsubscribeWebhookName:     p.Webhooks.Unsubscribe,
				SuspendWebhookName:         p.Webhooks.Suspend,
				DeleteDataWebhookName:      p.Webhooks.DeleteData,
			})
			planNames = append(planNames, p.Name)
		}
		if err := prune(tx, &model.Plan{}, o.Name, "plan_name", planNames); err != nil {
			return err
		}
		if err := upsert(tx, []string{"offer_name", "plan_name"}, []string{
			"data_retention_in_days",
			"subscribe_arm_template_name", "unsubscribe_arm_template_name",
			"suspend_arm_template_name", "delete_data_arm_template_name",
			"subscribe_webhook_name", "unsubscribe_webhook_name",
			"suspend_webhook_name", "delete_data_webhook_name",
			"updated_at",
		}, plans); err != nil {
			return err
		}

		templates := make([]model.ArmTemplate, 0, len(o.ArmTemplates))
		templateNames := make([]string, 0, len(o.ArmTemplates))
		for _, t := range o.ArmTemplates {
			templates = append(templates, model.ArmTemplate{OfferName: o.Name, TemplateName: t.Name, TemplateFilePath: t.Path})
			templateNames = append(templateNames, t.Name)
		}
		if err := prune(tx, &model.ArmTemplate{}, o.Name, "template_name", templateNames); err != nil {
			return err
		}
		if err := upsert(tx, []string{"offer_name", "template_name"}, []string{"template_file_path", "updated_at"}, templates); err != nil {
			return err
		}

		webhooks := make([]model.Webhook, 0, len(o.Webhooks))
		webhookNames := make([]string, 0, len(o.Webhooks))
		for _, w := range o.Webhooks {
			webhooks = append(webhooks, model.Webhook{OfferName: o.Name, WebhookName: w.Name, WebhookUrl: w.Url})
			webhookNames = append(webhookNames, w.Name)
		}
		if err := prune(tx, &model.Webhook{}, o.Name, "webhook_name", webhookNames); err != nil {
			return err
		}
		if err := upsert(tx, []string{"offer_name", "webhook_name"}, []string{"webhook_url", "updated_at"}, webhooks); err != nil {
			return err
		}

		armParameters := make([]model.ArmTemplateParameter, 0, len(o.ArmTemplateParameters))
		armParameterNames := make([]string, 0, len(o.ArmTemplateParameters))
		for _, p := range o.ArmTemplateParameters {
			armParameters = append(armParameters, model.ArmTemplateParameter{OfferName: o.Name, Name: p.Name, Type: p.Type, Value: p.Value})
			armParameterNames = append(armParameterNames, p.Name)
		}
		if err := prune(tx, &model.ArmTemplateParameter{}, o.Name, "name", armParameterNames); err != nil {
			return err
		}
		if err := upsert(tx, []string{"offer_name", "name"}, []string{"type", "value", "updated_at"}, armParameters); err != nil {
			return err
		}

		webhookParameters := make([]model.WebhookParameter, 0, len(o.WebhookParameters))
		webhookParameterNames := make([]string, 0, len(o.WebhookParameters))
		for _, p := range o.WebhookParameters {
			webhookParameters = append(webhookParameters, model.WebhookParameter{OfferName: o.Name, Name: p.Name, Value: p.Value})
			webhookParameterNames = append(webhookParameterNames, p.Name)
		}
		if err := prune(tx, &model.WebhookParameter{}, o.Name, "name", webhookParameterNames); err != nil {
			return err
		}
		if err := upsert(tx, []string{"offer_name", "name"}, []string{"value", "updated_at"}, webhookParameters); err != nil {
			return err
		}

		ipConfigs := make([]model.IpConfig, 0, len(o.IpConfigs))
		for _, c := range o.IpConfigs {
			ipConfigs = append(ipConfigs, model.IpConfig{OfferName: o.Name, Name: c.Name, IpRangeLength: c.IpRangeLength})
		}
		return upsert(tx, []string{"offer_name", "name"}, []string{"ip_range_length", "updated_at"}, ipConfigs)
	})
}

func (i *Importer) seedIpBlocks(ctx context.Context, o Offer) error {
	for _, c := range o.IpConfigs {
		var cfg model.IpConfig
		if err := i.db.WithContext(ctx).Where(&model.IpConfig{OfferName: o.Name, Name: c.Name}).First(&cfg).Error; err != nil {
			return err
		}
		for _, cidr := range c.Blocks {
			var count int64
			err := i.db.WithContext(ctx).Model(&model.IpBlock{}).
				Where(&model.IpBlock{IpConfigID: cfg.ID, CIDR: cidr}).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if _, err := i.ipAddresses.AddIpBlock(ctx, o.Name, c.Name, cidr); err != nil {
				return err
			}
			i.logger.Info("ip block added",
				zap.String("offer", o.Name),
				zap.String("ip_config", c.Name),
				zap.String("cidr", cidr),
			)
		}
	}
	return nil
}

func upsert[T any](tx *gorm.DB, keys, updates []string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	columns := make([]clause.Column, 0, len(keys))
	for _, k := range keys {
		columns = append(columns, clause.Column{Name: k})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   columns,
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&rows).Error
}

// prune hard deletes the rows of an offer whose name is not in keep, so a
// later import of the same name does not collide with a soft deleted row.
func prune(tx *gorm.DB, table any, offerName, nameColumn string, keep []string) error {
	q := tx.Unscoped().Where("offer_name = ?", offerName)
	if len(keep) > 0 {
		q = q.Where(nameColumn+" NOT IN ?", keep)
	}
	return q.Delete(table).Error
}
