package provisioning

import (
	"context"
	"fmt"
	"time"

	"github.com/kaytu-io/kaytu-marketplace/pkg/httpclient"
	"github.com/kaytu-io/kaytu-marketplace/pkg/httpserver"
	"github.com/kaytu-io/kaytu-marketplace/pkg/jq"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/api"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/azure"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/catalog"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/config"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/repo"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/evaluator"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/marketplace"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/scheduler"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/service"
	"github.com/kaytu-io/kaytu-util/pkg/koanf"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StreamName   = "provisioning"
	JobsSubject  = "provisioning.jobs"
	ConsumerName = "provisioning-worker"
)

func defaultConfig() config.ProvisioningConfig {
	return config.ProvisioningConfig{
		Http: koanf.HttpServer{Address: "localhost:8000"},
		Nats: config.Nats{
			Stream:   StreamName,
			Subject:  JobsSubject,
			Consumer: ConsumerName,
		},
		Scheduler: config.Scheduler{
			Interval:         time.Minute,
			Workers:          scheduler.DefaultWorkers,
			RatePerSecond:    5,
			Burst:            5,
			OperationTimeout: scheduler.DefaultOperationTimeout,
		},
		Azure: config.Azure{
			WebhookTimeout: 30 * time.Second,
		},
		Marketplace: config.Marketplace{
			BaseURL:    marketplace.DefaultBaseURL,
			APIVersion: marketplace.DefaultAPIVersion,
			Scope:      marketplace.DefaultScope,
		},
		Retry: config.Retry{Ceiling: service.DefaultRetryCeiling},
	}
}

func Command() *cobra.Command {
	cnf := koanf.Provide("provisioning", defaultConfig())

	cmd := &cobra.Command{
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			logger = logger.Named("provisioning")

			cmd.SilenceUsage = true

			return start(cmd.Context(), logger, cnf)
		},
	}
	cmd.AddCommand(importCatalogCommand(cnf))

	return cmd
}

func importCatalogCommand(cnf config.ProvisioningConfig) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "import-catalog",
		Short: "Imports offer definitions from a directory of yaml files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			logger = logger.Named("provisioning")

			cmd.SilenceUsage = true

			offers, err := catalog.ExtractOffers(dir)
			if err != nil {
				return fmt.Errorf("extract offers: %w", err)
			}

			database, err := db.NewDatabase(cnf.Postgres, logger)
			if err != nil {
				return fmt.Errorf("new postgres client: %w", err)
			}
			if err := database.Initialize(); err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}

			importer := catalog.NewImporter(logger, database.Orm, repo.NewIpAddressRepo(database.Orm))
			if err := importer.Import(cmd.Context(), offers); err != nil {
				return err
			}
			logger.Info("catalog imported", zap.Int("offers", len(offers)))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "catalog", "Directory with the offer definitions")

	return cmd
}

func start(ctx context.Context, logger *zap.Logger, cnf config.ProvisioningConfig) error {
	database, err := db.NewDatabase(cnf.Postgres, logger)
	if err != nil {
		return err
	}
	if err := database.Initialize(); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	subscriptions := repo.NewSubscriptionRepo(database.Orm)
	catalog := repo.NewCatalogRepo(database.Orm)
	parameters := repo.NewSubscriptionParameterRepo(database.Orm)
	ipAddresses := repo.NewIpAddressRepo(database.Orm)

	cred, err := azure.NewCredential(cnf.Azure)
	if err != nil {
		return fmt.Errorf("azure credential: %w", err)
	}
	deployments, err := azure.NewDeploymentGateway(logger, cred, nil,
		azure.WithHTTPClient(httpclient.NewClient(cnf.Azure.WebhookTimeout)),
		azure.WithRollbackOnError(cnf.Azure.RollbackOnError),
	)
	if err != nil {
		return err
	}
	templates, err := azure.NewTemplateStore(cnf.AzBlob.AccountUrl, cnf.AzBlob.Container, cred)
	if err != nil {
		return err
	}
	fulfillment := marketplace.NewSaaSClient(logger, cnf.Marketplace, cred, nil)

	machine := service.NewMachine(
		logger,
		subscriptions,
		catalog,
		evaluator.New(logger, parameters, ipAddresses),
		deployments,
		fulfillment,
		templates,
		service.WithRetryPolicy(service.RetryPolicy{Ceiling: cnf.Retry.Ceiling}),
	)

	opts := []scheduler.Option{
		scheduler.WithWorkers(cnf.Scheduler.Workers),
		scheduler.WithRateLimit(cnf.Scheduler.RatePerSecond, cnf.Scheduler.Burst),
		scheduler.WithOperationTimeout(cnf.Scheduler.OperationTimeout),
	}

	var queue *jq.JobQueue
	if cnf.Nats.Enabled {
		queue, err = jq.New(cnf.Nats.URL, logger)
		if err != nil {
			return err
		}
		defer queue.Close()

		if err := queue.Stream(ctx, cnf.Nats.Stream, "provisioning jobs", []string{cnf.Nats.Subject}); err != nil {
			return err
		}
		opts = append(opts, scheduler.WithPublisher(queue, cnf.Nats.Subject))
	}
	sched := scheduler.New(logger, machine, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.RegisterAndStart(ctx, logger, cnf.Http.Address,
			api.New(logger, machine, subscriptions, ipAddresses))
	})
	interval := cnf.Scheduler.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		return sched.Run(ctx, ticker.C)
	})
	if queue != nil {
		g.Go(func() error {
			return sched.RunConsumer(ctx, queue, cnf.Nats.Stream, cnf.Nats.Consumer, cnf.Nats.Subject)
		})
	}
	return g.Wait()
}
