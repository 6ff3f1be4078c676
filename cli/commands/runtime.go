package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters"
	"github.com/AshkanYarmoradi/go-locus/adapters/memory"
	"github.com/AshkanYarmoradi/go-locus/adapters/postgres"
	"github.com/AshkanYarmoradi/go-locus/adapters/redis"
	"github.com/AshkanYarmoradi/go-locus/cli/config"
	"github.com/AshkanYarmoradi/go-locus/logging"
	"github.com/AshkanYarmoradi/go-locus/middleware/metrics"
	"github.com/AshkanYarmoradi/go-locus/middleware/tracing"
	"github.com/AshkanYarmoradi/go-locus/publisher/kafka"
	"github.com/AshkanYarmoradi/go-locus/publisher/sns"
	"github.com/AshkanYarmoradi/go-locus/publisher/webhook"
	"github.com/AshkanYarmoradi/go-locus/serializer/msgpack"
	"github.com/AshkanYarmoradi/go-locus/serializer/protobuf"
)

// Runtime is the fully wired location service behind the CLI.
type Runtime struct {
	Config    *config.Config
	Logger    *logging.Logger
	Store     adapters.EventLog
	Snapshots adapters.SnapshotAdapter
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Repo      *locus.Repository
	Guard     *locus.HierarchyGuard
	Notifier  *locus.Notifier
	ReadModel *locus.LocationReadModel
	Handler   *locus.LocationHandler
	Bus       *locus.CommandBus

	redis   *redis.SnapshotStore
	closers []func() error
}

// RuntimeOption adjusts how NewRuntime builds a Runtime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	logger    *logging.Logger
	traceOut  io.Writer
	snsClient sns.SNSClient
}

// WithRuntimeLogger replaces the logger built from the service config.
func WithRuntimeLogger(l *logging.Logger) RuntimeOption {
	return func(o *runtimeOptions) { o.logger = l }
}

// WithTraceOutput sets where stdout tracing writes spans.
func WithTraceOutput(w io.Writer) RuntimeOption {
	return func(o *runtimeOptions) { o.traceOut = w }
}

// WithSNSClient replaces the SNS client built from the AWS environment.
func WithSNSClient(c sns.SNSClient) RuntimeOption {
	return func(o *runtimeOptions) { o.snsClient = c }
}

// NewRuntime wires storage, snapshots, publishing, telemetry and the command
// bus from cfg. Close releases everything it opened.
func NewRuntime(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (_ *Runtime, err error) {
	o := runtimeOptions{traceOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.Logger = o.logger
	if rt.Logger == nil {
		if rt.Logger, err = logging.New(cfg.Service.LogMode, cfg.Service.LogLevel); err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		rt.closers = append(rt.closers, func() error { rt.Logger.Sync(); return nil })
	}

	store, err := openEventLog(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	rt.closers = append(rt.closers, store.Close)

	snapshots, err := rt.openSnapshots(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rt.Metrics = metrics.New(
		metrics.WithNamespace(cfg.Telemetry.MetricsNamespace),
		metrics.WithMetricsServiceName(cfg.Service.Name),
	)
	rt.Registry = prometheus.NewRegistry()
	if err := rt.Metrics.Register(rt.Registry); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var eventLog adapters.EventLog = rt.Metrics.WrapEventLog(store)
	if snapshots != nil {
		snapshots = rt.Metrics.WrapSnapshots(snapshots)
	}

	var tracer *tracing.Tracer
	if cfg.Telemetry.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(o.traceOut), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		rt.closers = append(rt.closers, func() error {
			return tp.Shutdown(context.Background())
		})
		tracer = tracing.NewTracer(tracing.WithTracerProvider(tp), tracing.WithServiceName(cfg.Service.Name))
		eventLog = tracing.NewEventLogMiddleware(eventLog, tracer)
		if snapshots != nil {
			snapshots = tracing.NewSnapshotMiddleware(snapshots, tracer)
		}
	}
	rt.Snapshots = snapshots

	repoOpts := []locus.RepositoryOption{
		locus.WithRepositoryLogger(rt.Logger),
		locus.WithStoreRetry(locus.StoreRetryPolicy{
			MaxAttempts:     cfg.StoreRetry.MaxAttempts,
			InitialInterval: cfg.StoreRetry.InitialInterval,
			MaxInterval:     cfg.StoreRetry.MaxInterval,
		}),
	}
	if snapshots != nil {
		repoOpts = append(repoOpts, locus.WithSnapshots(snapshots, cfg.Snapshots.Frequency))
		repoOpts = append(repoOpts, snapshotCodecs(cfg.Snapshots.Codec)...)
	}
	rt.Repo = locus.NewRepository(eventLog, repoOpts...)
	rt.closers = append(rt.closers, rt.Repo.Close)

	rt.ReadModel = locus.NewLocationReadModel(rt.Repo, locus.WithReadModelLogger(rt.Logger))

	notifierOpts, err := rt.publishing(cfg, tracer, o.snsClient)
	if err != nil {
		return nil, err
	}
	rt.Notifier = locus.NewNotifier(append(notifierOpts,
		locus.WithPublisher(rt.ReadModel),
		locus.WithRoutes(locus.Route{Destination: locus.ReadModelDestination + ":locations"}),
		locus.WithPublishTimeout(cfg.Publishing.Timeout),
		locus.WithNotifierLogger(rt.Logger),
		locus.WithNotifierObserver(rt.Metrics),
	)...)
	rt.closers = append(rt.closers, rt.Notifier.Close)

	rt.Guard = locus.NewHierarchyGuard(rt.Repo,
		locus.WithMaxDepth(cfg.Hierarchy.MaxDepth),
		locus.WithGuardLogger(rt.Logger),
		locus.WithGuardObserver(rt.Metrics),
	)

	rt.Handler = locus.NewLocationHandler(rt.Repo,
		locus.WithHierarchyGuard(rt.Guard),
		locus.WithNotifier(rt.Notifier),
		locus.WithConflictRetries(cfg.Commands.MaxConflictRetries),
		locus.WithPostCommitVerification(cfg.Hierarchy.VerifyAfterCommit),
		locus.WithHandlerLogger(rt.Logger),
		locus.WithHandlerObserver(rt.Metrics),
	)

	rt.Bus = locus.NewCommandBus()
	rt.Bus.Use(
		locus.RecoveryMiddleware(),
		locus.CorrelationIDMiddleware(),
		locus.CausationIDMiddleware(),
		locus.LoggingMiddleware(rt.Logger),
		rt.Metrics.CommandMiddleware(),
	)
	if tracer != nil {
		rt.Bus.Use(tracing.CommandMiddleware(tracer))
	}
	if cfg.Commands.Timeout > 0 {
		rt.Bus.Use(locus.TimeoutMiddleware(cfg.Commands.Timeout))
	}
	rt.Bus.Use(locus.ValidationMiddleware())
	rt.Handler.RegisterAll(rt.Bus)
	rt.closers = append(rt.closers, rt.Bus.Close)

	return rt, nil
}

// LoadReadModel fills the read model from every location stream in the store.
func (rt *Runtime) LoadReadModel(ctx context.Context) error {
	lister, ok := rt.Store.(adapters.StreamLister)
	if !ok {
		return fmt.Errorf("driver %s cannot list locations", rt.Config.Database.Driver)
	}
	return rt.ReadModel.Rebuild(ctx, lister)
}

func openEventLog(ctx context.Context, cfg *config.Config) (adapters.EventLog, error) {
	switch cfg.Database.Driver {
	case "memory":
		return memory.NewAdapter(memory.WithSnapshotRetention(cfg.Snapshots.Keep)), nil

	case "postgres", "postgresql":
		url := os.ExpandEnv(cfg.Database.URL)
		if url == "" {
			return nil, errors.New("database url is not set (export DATABASE_URL or LOCUS_DATABASE_URL)")
		}
		adapter, err := postgres.NewAdapter(url,
			postgres.WithSchema(cfg.Database.Schema),
			postgres.WithMaxConnections(cfg.Database.MaxConnections),
			postgres.WithSnapshotRetention(cfg.Snapshots.Keep),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres adapter: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := adapter.Ping(pingCtx); err != nil {
			_ = adapter.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return adapter, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// openSnapshots returns nil when snapshots are disabled.
func (rt *Runtime) openSnapshots(ctx context.Context, cfg *config.Config) (adapters.SnapshotAdapter, error) {
	switch cfg.Snapshots.Store {
	case "none":
		return nil, nil

	case "redis":
		store, err := redis.Connect(ctx, os.ExpandEnv(cfg.Snapshots.RedisURL),
			redis.WithSnapshotRetention(cfg.Snapshots.Keep))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.redis = store
		rt.closers = append(rt.closers, store.Close)
		return store, nil

	default:
		snapshots, ok := rt.Store.(adapters.SnapshotAdapter)
		if !ok {
			return nil, fmt.Errorf("driver %s cannot store snapshots", cfg.Database.Driver)
		}
		return snapshots, nil
	}
}

// snapshotCodecs registers every codec so older snapshots stay readable,
// with the configured codec last so it becomes the write codec.
func snapshotCodecs(name string) []locus.RepositoryOption {
	codecs := []locus.SnapshotCodec{
		locus.NewJSONSnapshotCodec(),
		msgpack.NewCodec(),
		protobuf.NewCodec(protobuf.WithDeterministic()),
	}

	var opts []locus.RepositoryOption
	var current locus.SnapshotCodec
	for _, c := range codecs {
		if c.Name() == name {
			current = c
			continue
		}
		opts = append(opts, locus.WithSnapshotCodec(c))
	}
	if current != nil {
		opts = append(opts, locus.WithSnapshotCodec(current))
	}
	return opts
}

// publishing builds routes and publishers for the configured destinations.
func (rt *Runtime) publishing(cfg *config.Config, tracer *tracing.Tracer, snsClient sns.SNSClient) ([]locus.NotifierOption, error) {
	var opts []locus.NotifierOption
	add := func(p locus.Publisher, destination string) {
		if tracer != nil {
			p = tracing.NewPublisherMiddleware(p, tracer)
		}
		opts = append(opts, locus.WithPublisher(p), locus.WithRoutes(locus.Route{Destination: destination}))
	}

	pub := cfg.Publishing
	if pub.KafkaTopic != "" {
		p := kafka.New(kafka.WithBrokers(pub.KafkaBrokers...))
		rt.closers = append(rt.closers, p.Close)
		add(p, "kafka:"+pub.KafkaTopic)
	}

	if pub.SNSTopicARN != "" {
		if snsClient == nil {
			client, err := newSNSClient(pub.SNSTopicARN)
			if err != nil {
				return nil, err
			}
			snsClient = client
		}
		var snsOpts []sns.Option
		if strings.HasSuffix(pub.SNSTopicARN, ".fifo") {
			snsOpts = append(snsOpts, sns.WithFIFO())
		}
		add(sns.New(append(snsOpts, sns.WithSNSClient(snsClient))...), "sns:"+pub.SNSTopicARN)
	}

	if pub.WebhookURL != "" {
		add(webhook.New(webhook.WithTimeout(pub.Timeout)), "webhook:"+os.ExpandEnv(pub.WebhookURL))
	}

	return opts, nil
}

// newSNSClient builds a client for the topic's region using the standard
// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN variables.
func newSNSClient(topicARN string) (*awssns.Client, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		// arn:aws:sns:<region>:<account>:<topic>
		parts := strings.Split(topicARN, ":")
		if len(parts) < 6 {
			return nil, fmt.Errorf("invalid sns topic arn %q", topicARN)
		}
		region = parts[3]
	}

	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})

	return awssns.New(awssns.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(creds),
	}), nil
}

// Dispatch sends cmd through the command bus.
func (rt *Runtime) Dispatch(ctx context.Context, cmd locus.Command) (locus.CommandResult, error) {
	return rt.Bus.Dispatch(ctx, cmd)
}

// HealthCheck pings the event log and, when separate, the snapshot store.
func (rt *Runtime) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	if hc, ok := rt.Store.(adapters.HealthChecker); ok {
		results["event log"] = hc.Ping(ctx)
	}
	if rt.redis != nil {
		results["snapshot store"] = rt.redis.Ping(ctx)
	}
	return results
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
