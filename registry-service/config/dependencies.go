package config

import (
	"context"
	"fmt"

	"github.com/edulink/registry-system/registry-service/application"
	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/registry-service/handlers"
	"github.com/edulink/registry-system/registry-service/infrastructure"
	"github.com/edulink/registry-system/registry-service/orchestration"
	sharedinfra "github.com/edulink/registry-system/shared/infrastructure"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type Dependencies struct {
	// Database
	DB    *sqlx.DB
	Redis *redis.Client

	// Stores
	SagaStore   *infrastructure.PostgresSagaStore
	OutboxStore *infrastructure.PostgresOutboxStore

	// Reference data
	ReferenceCache *infrastructure.ReferenceCache

	// Orchestration
	Registry   *orchestration.Registry
	Dispatcher *orchestration.Dispatcher

	// Use Cases
	StartWorkflow     *application.StartWorkflow
	GetWorkflow       *application.GetWorkflow
	ForceStopWorkflow *application.ForceStopWorkflow
	RuleChain         *application.RuleChain
	SequenceGenerator *application.SequenceGenerator

	// Background jobs
	OutboxPublisher   *application.OutboxPublisher
	RecoveryScheduler *application.RecoveryScheduler
	RetentionJob      *application.RetentionJob

	// HTTP Handlers
	RegistryHandlers *handlers.RegistryHandlers

	// Event Handlers
	RegistryEventHandlers *handlers.RegistryEventHandlers

	// Infrastructure
	EventPublisher  *sharedinfra.SNSPublisherAdapter
	EventSubscriber *sharedinfra.SQSSubscriberAdapter
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize database
	db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	deps.DB = db

	// Initialize Redis
	deps.Redis = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Address,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err := deps.Redis.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// Initialize AWS infrastructure
	eventPublisher, err := sharedinfra.NewSNSPublisherAdapter(ctx, config.AWS.SNSTopicArn)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	deps.EventPublisher = eventPublisher

	eventSubscriber, err := sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS subscriber: %w", err)
	}
	deps.EventSubscriber = eventSubscriber

	// Initialize stores
	deps.SagaStore = infrastructure.NewPostgresSagaStore(db)
	deps.OutboxStore = infrastructure.NewPostgresOutboxStore(db)

	// Initialize reference data cache
	codeSource := infrastructure.NewPostgresCodeSource(db)
	deps.ReferenceCache = infrastructure.NewReferenceCache(
		codeSource,
		[]string{domain.CodeSetSchool, domain.CodeSetSource, domain.CodeSetMerge, domain.CodeSetGrade},
		config.Reference.RefreshInterval,
	)

	// Initialize orchestration
	deps.Registry = orchestration.NewRegistry()
	deps.Registry.Register(orchestration.NewRegistrationSaga(deps.SagaStore, eventPublisher))
	deps.Registry.Register(orchestration.NewMergeSaga(deps.SagaStore, eventPublisher, deps.ReferenceCache))
	deps.Dispatcher = orchestration.NewDispatcher(deps.SagaStore, deps.Registry)

	// Initialize use cases
	deps.StartWorkflow = application.NewStartWorkflow(deps.SagaStore, deps.Registry)
	deps.GetWorkflow = application.NewGetWorkflow(deps.SagaStore)
	deps.ForceStopWorkflow = application.NewForceStopWorkflow(deps.SagaStore)
	deps.RuleChain = application.NewRuleChain(
		application.RequiredFieldsRule{},
		application.BirthDateRule{},
		application.NewSchoolCodeRule(deps.ReferenceCache),
		application.NewSourceCodeRule(deps.ReferenceCache),
		application.NewGradeCodeRule(deps.ReferenceCache),
	)
	deps.SequenceGenerator = application.NewSequenceGenerator(
		infrastructure.NewRedisCounterStore(deps.Redis, config.ServiceName),
		infrastructure.NewPostgresHighWaterSource(db),
		config.Sequence.CounterName,
		config.Sequence.IdempotencyWindow,
	)

	// Initialize background jobs
	jobLock := infrastructure.NewRedisJobLock(deps.Redis, config.ServiceName)
	deps.OutboxPublisher = application.NewOutboxPublisher(
		deps.OutboxStore,
		eventPublisher,
		config.Scheduler.OutboxInterval,
		config.Scheduler.OutboxBatchSize,
	)
	deps.RecoveryScheduler = application.NewRecoveryScheduler(
		deps.SagaStore,
		deps.Registry,
		jobLock,
		config.Scheduler.RecoveryInterval,
		config.Scheduler.RecoveryMinAge,
	)
	deps.RetentionJob = application.NewRetentionJob(
		deps.SagaStore,
		deps.OutboxStore,
		jobLock,
		config.Scheduler.RetentionInterval,
		config.Scheduler.RetentionPeriod,
	)

	// Initialize handlers
	deps.RegistryHandlers = handlers.NewRegistryHandlers(
		deps.StartWorkflow,
		deps.GetWorkflow,
		deps.ForceStopWorkflow,
		deps.RuleChain,
		deps.SequenceGenerator,
	)
	deps.RegistryEventHandlers = handlers.NewRegistryEventHandlers(deps.Dispatcher)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
