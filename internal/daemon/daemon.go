package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chain-sleuth/sleuth/internal/api"
	"github.com/chain-sleuth/sleuth/internal/app/status"
	"github.com/chain-sleuth/sleuth/internal/app/webhook"
	"github.com/chain-sleuth/sleuth/internal/app/workflow"
	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/health"
	"github.com/chain-sleuth/sleuth/internal/infra/analysis"
	"github.com/chain-sleuth/sleuth/internal/infra/contract"
	"github.com/chain-sleuth/sleuth/internal/infra/dynamo"
	"github.com/chain-sleuth/sleuth/internal/infra/healing"
	"github.com/chain-sleuth/sleuth/internal/infra/kafka"
	"github.com/chain-sleuth/sleuth/internal/infra/queue"
	"github.com/chain-sleuth/sleuth/internal/infra/sqlite"
)

// Daemon is the core sleuth runtime. It wires together all services.
type Daemon struct {
	Config     Config
	DB         *sqlite.DB
	Queue      *queue.Queue
	Hub        *status.Hub
	Gateway    *status.Gateway
	Dispatcher *webhook.Dispatcher
	Engine     *workflow.Engine
	Server     *api.Server
	Health     *health.Checker

	kafka  *kafka.Publisher
	cancel context.CancelFunc
	once   sync.Once
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	dataDir := cfg.Storage.Dir
	if dataDir == "" {
		dataDir = sleuthHome()
	}

	// Open SQLite
	db, err := sqlite.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{Config: cfg, DB: db}

	// Durable job queue
	d.Queue = queue.New(db, queue.Config{
		Workers:           cfg.Queue.Workers,
		VisibilityTimeout: parseDuration(cfg.Queue.VisibilityTimeout, 2*time.Minute),
		Retry: queue.RetryConfig{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   parseDuration(cfg.Queue.BaseDelay, time.Second),
			MaxDelay:    parseDuration(cfg.Queue.MaxDelay, time.Minute),
		},
		ReapSchedule: cfg.Queue.ReapSchedule,
		Retention:    parseDuration(cfg.Queue.Retention, 7*24*time.Hour),
	})

	// Account records: DynamoDB when configured, SQLite otherwise
	var accounts domain.AccountStore = db
	if cfg.Accounts.DynamoTable != "" {
		store, err := dynamo.NewAccountStore(context.Background(), dynamo.Config{
			Region:   cfg.Accounts.Region,
			Table:    cfg.Accounts.DynamoTable,
			Endpoint: cfg.Accounts.Endpoint,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("account store: %w", err)
		}
		accounts = store
		log.Printf("[daemon] account records in dynamodb table=%s", cfg.Accounts.DynamoTable)
	}

	// Event fan-out: in-process hub plus optional Kafka topic
	d.Hub = status.NewHub()
	events := status.Fanout{d.Hub}
	if cfg.Events.KafkaBrokers != "" {
		pub, err := kafka.NewPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		d.kafka = pub
		events = append(events, pub)
		log.Printf("[daemon] publishing events to kafka topic=%s", cfg.Events.KafkaTopic)
	}

	// Contract client: relayer when configured, log-only otherwise
	var chain domain.ContractClient = contract.LogClient{ContractID: cfg.Contract.ContractID}
	var relayer *healing.GuardedContract
	if cfg.Contract.RelayerURL != "" {
		relayer = healing.GuardContract(contract.NewRelayerClient(contract.Config{
			RelayerURL: cfg.Contract.RelayerURL,
			APIKey:     cfg.Contract.RelayerAPIKey,
			NetworkID:  cfg.Contract.NetworkID,
			ContractID: cfg.Contract.ContractID,
			SignerID:   cfg.Contract.SignerID,
			Gas:        cfg.Contract.Gas,
			Deposit:    cfg.Contract.Deposit,
		}), healing.NewCircuitBreaker("relayer", healing.DefaultConfig()))
		chain = relayer
	} else {
		log.Printf("[daemon] WARNING: no contract relayer configured, metadata updates are only logged")
	}

	d.Dispatcher = webhook.NewDispatcher(webhook.Config{
		Deliveries:  db,
		Accounts:    accounts,
		Contract:    chain,
		Events:      events,
		Queue:       d.Queue,
		MaxAttempts: domain.MaxDeliveryAttempts,
	})

	d.Engine = workflow.NewEngine(workflow.Config{
		Tasks:     db,
		Workflows: db,
		Accounts:  accounts,
		Analysis: analysis.NewClient(analysis.Config{
			BaseURL: cfg.Analysis.BaseURL,
			APIKey:  cfg.Analysis.APIKey,
			Timeout: parseDuration(cfg.Analysis.RequestTimeout, 30*time.Second),
		}),
		Notifier:     d.Dispatcher,
		Queue:        d.Queue,
		PollInterval: parseDuration(cfg.Analysis.PollInterval, workflow.DefaultPollInterval),
		Timeout:      parseDuration(cfg.Analysis.Timeout, workflow.DefaultTimeout),
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Requester:    cfg.Contract.Requester,
	})

	var push *status.Hub
	if cfg.Stream.Push {
		push = d.Hub
	}
	d.Gateway = status.NewGateway(db, push, parseDuration(cfg.Stream.PollInterval, status.DefaultInterval))

	// Health checker
	d.Health = health.NewChecker(db, dataDir, cfg.Queue.MaxBacklog)
	if relayer != nil {
		d.Health.AddCheck(health.Check{
			Name: "relayer",
			CheckFn: func(context.Context) error {
				return relayer.Breaker().Allow()
			},
		})
	}

	// API server
	d.Server = api.NewServer(d.Engine, d.Gateway)
	d.Server.SetDeliveries(d.Dispatcher)
	d.Server.SetHealth(d.Health)
	d.Server.SetAllowedOrigins(cfg.API.CORSOrigins)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

// Serve starts the HTTP server, the queue workers and the health checker,
// and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer d.Close()

	go d.Health.Run(ctx)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := d.Queue.Run(ctx); err != nil {
			log.Printf("[daemon] queue: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams stay open until the task ends
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			log.Printf("[daemon] shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Stop workers first so running jobs are released, then drain HTTP.
		cancel()
		<-workersDone
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("sleuth serving on http://%s\n", addr)
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-workersDone
		return err
	}
	<-workersDone
	return nil
}

// RunWorkers runs only the queue workers and housekeeping until a signal
// arrives or ctx ends.
func (d *Daemon) RunWorkers(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	d.cancel = cancel
	defer d.Close()

	go d.Health.Run(ctx)
	fmt.Printf("sleuth worker running (%d workers)\n", d.Config.Queue.Workers)
	return d.Queue.Run(ctx)
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.kafka != nil {
			if err := d.kafka.Close(); err != nil {
				log.Printf("[daemon] close kafka: %v", err)
			}
		}
		if d.DB != nil {
			_ = d.DB.Close()
		}
	})
}
