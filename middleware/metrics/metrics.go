// Package metrics provides Prometheus metrics for locus.
//
// Basic usage:
//
//	m := metrics.New()
//	prometheus.MustRegister(m.Collectors()...)
//
//	repo := locus.NewRepository(m.WrapEventLog(store),
//	    locus.WithSnapshots(m.WrapSnapshots(store), 100))
//	handler := locus.NewLocationHandler(repo,
//	    locus.WithHierarchyGuard(locus.NewHierarchyGuard(repo, locus.WithGuardObserver(m))),
//	    locus.WithHandlerObserver(m),
//	    locus.WithNotifier(locus.NewNotifier(locus.WithNotifierObserver(m))),
//	)
//
//	bus := locus.NewCommandBus()
//	bus.Use(m.CommandMiddleware())
//
// The metrics collected include:
//   - Command execution counts and durations
//   - Event log and snapshot store operations
//   - Hierarchy checks, conflict retries and cycle compensations
//   - Notification deliveries
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// Default metric labels.
const (
	LabelCommandType = "command_type"
	LabelEventType   = "event_type"
	LabelOperation   = "operation"
	LabelStatus      = "status"
	LabelErrorType   = "error_type"
	LabelCheck       = "check"
	LabelOutcome     = "outcome"
	LabelDestination = "destination"
	LabelService     = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationAppend         = "append"
	OperationLoad           = "load"
	OperationStreamInfo     = "stream_info"
	OperationSaveSnapshot   = "save_snapshot"
	OperationLoadSnapshot   = "load_snapshot"
	OperationDeleteSnapshot = "delete_snapshot"
)

// Metrics holds all Prometheus metrics for locus.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Command metrics
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec

	// Store metrics
	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal    *prometheus.CounterVec
	eventsLoadedTotal      *prometheus.CounterVec

	// Domain metrics
	hierarchyChecksTotal  *prometheus.CounterVec
	hierarchyWalkLength   *prometheus.HistogramVec
	conflictRetriesTotal  *prometheus.CounterVec
	retriesExhaustedTotal *prometheus.CounterVec
	compensationsTotal    *prometheus.CounterVec
	publishTotal          *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "locus",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total",
		"Total number of commands processed.", LabelCommandType, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds",
		"Duration of command processing in seconds.", prometheus.DefBuckets, LabelCommandType)
	m.commandsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "commands_in_flight",
		Help:      "Number of commands currently being processed.",
	}, []string{LabelService, LabelCommandType})

	m.storeOperationsTotal = m.counter("store_operations_total",
		"Total number of event log and snapshot store operations.", LabelOperation, LabelStatus)
	m.storeOperationDuration = m.histogram("store_operation_duration_seconds",
		"Duration of store operations in seconds.", prometheus.DefBuckets, LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total",
		"Total number of events appended to location streams.", LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total",
		"Total number of events loaded from location streams.")

	m.hierarchyChecksTotal = m.counter("hierarchy_checks_total",
		"Total number of hierarchy checks by outcome.", LabelCheck, LabelOutcome)
	m.hierarchyWalkLength = m.histogram("hierarchy_walk_length",
		"Number of ancestors visited per hierarchy check.", []float64{0, 1, 2, 3, 5, 8, 10, 15, 20}, LabelCheck)
	m.conflictRetriesTotal = m.counter("conflict_retries_total",
		"Total number of command attempts repeated after a version conflict.", LabelCommandType)
	m.retriesExhaustedTotal = m.counter("retries_exhausted_total",
		"Total number of commands that ran out of conflict retries.", LabelCommandType)
	m.compensationsTotal = m.counter("cycle_compensations_total",
		"Total number of post-commit cycle compensations.", LabelStatus)
	m.publishTotal = m.counter("notifications_published_total",
		"Total number of notification deliveries.", LabelDestination, LabelStatus)

	m.errorsTotal = m.counter("errors_total",
		"Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.storeOperationsTotal,
		m.storeOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.hierarchyChecksTotal,
		m.hierarchyWalkLength,
		m.conflictRetriesTotal,
		m.retriesExhaustedTotal,
		m.compensationsTotal,
		m.publishTotal,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Command Middleware
// =============================================================================

// CommandMiddleware returns middleware that records command metrics.
func (m *Metrics) CommandMiddleware() locus.Middleware {
	return func(next locus.MiddlewareFunc) locus.MiddlewareFunc {
		return func(ctx context.Context, cmd locus.Command) (locus.CommandResult, error) {
			cmdType := cmd.CommandType()

			m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Inc()
			defer m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Dec()

			start := time.Now()
			result, err := next(ctx, cmd)
			m.commandDuration.WithLabelValues(m.serviceName, cmdType).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			if err != nil || result.IsError() {
				status = StatusError
				m.recordError(err, result)
			}
			m.commandsTotal.WithLabelValues(m.serviceName, cmdType, status).Inc()

			return result, err
		}
	}
}

func (m *Metrics) recordError(err error, result locus.CommandResult) {
	if err == nil {
		err = result.Error
	}
	m.errorsTotal.WithLabelValues(m.serviceName, ErrorTypeName(err)).Inc()
}

// ErrorTypeName maps an error to a stable label value using the locus sentinels.
func ErrorTypeName(err error) string {
	if err == nil {
		return "unknown"
	}

	switch {
	case errors.Is(err, locus.ErrConcurrencyExhausted):
		return "concurrency_exhausted"
	case errors.Is(err, locus.ErrCycleDetectedPostCommit):
		return "cycle_post_commit"
	case errors.Is(err, locus.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, locus.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, locus.ErrCycleDetected):
		return "cycle_detected"
	case errors.Is(err, locus.ErrHierarchyDepthExceeded):
		return "depth_exceeded"
	case errors.Is(err, locus.ErrTerminalStateViolation):
		return "terminal_state"
	case errors.Is(err, locus.ErrAlreadyArchived):
		return "already_archived"
	case errors.Is(err, locus.ErrNoOpRejected):
		return "noop_rejected"
	case errors.Is(err, locus.ErrInvalidFieldForType):
		return "invalid_field_for_type"
	case errors.Is(err, locus.ErrOutOfSequence):
		return "out_of_sequence"
	case errors.Is(err, locus.ErrNotFound):
		return "not_found"
	case errors.Is(err, locus.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, locus.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, locus.ErrHandlerNotFound):
		return "handler_not_found"
	case errors.Is(err, locus.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, locus.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, locus.ErrUnknownEventType):
		return "unknown_event_type"
	case errors.Is(err, locus.ErrNilCommand):
		return "nil_command"
	case errors.Is(err, adapters.ErrEmptyStreamID):
		return "empty_stream_id"
	case errors.Is(err, adapters.ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// =============================================================================
// Observers
// =============================================================================

// ObserveHierarchyCheck implements locus.GuardObserver.
func (m *Metrics) ObserveHierarchyCheck(check, outcome string, walked int) {
	m.hierarchyChecksTotal.WithLabelValues(m.serviceName, check, outcome).Inc()
	m.hierarchyWalkLength.WithLabelValues(m.serviceName, check).Observe(float64(walked))
}

// ConflictRetried implements locus.HandlerObserver.
func (m *Metrics) ConflictRetried(commandType string, _ int) {
	m.conflictRetriesTotal.WithLabelValues(m.serviceName, commandType).Inc()
}

// RetriesExhausted implements locus.HandlerObserver.
func (m *Metrics) RetriesExhausted(commandType string) {
	m.retriesExhaustedTotal.WithLabelValues(m.serviceName, commandType).Inc()
}

// CycleCompensated implements locus.HandlerObserver.
func (m *Metrics) CycleCompensated(_ string, compensated bool) {
	status := StatusSuccess
	if !compensated {
		status = StatusError
	}
	m.compensationsTotal.WithLabelValues(m.serviceName, status).Inc()
}

// ObservePublish implements locus.PublishObserver.
func (m *Metrics) ObservePublish(destination string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, "publish_error").Inc()
	}
	m.publishTotal.WithLabelValues(m.serviceName, destination, status).Inc()
}

var (
	_ locus.GuardObserver   = (*Metrics)(nil)
	_ locus.HandlerObserver = (*Metrics)(nil)
	_ locus.PublishObserver = (*Metrics)(nil)
)

// =============================================================================
// Store Middleware
// =============================================================================

func (m *Metrics) observeStore(op string, start time.Time, err error) {
	m.storeOperationDuration.WithLabelValues(m.serviceName, op).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, op+"_error").Inc()
	}
	m.storeOperationsTotal.WithLabelValues(m.serviceName, op, status).Inc()
}

// EventLogMiddleware wraps an EventLog with metrics.
type EventLogMiddleware struct {
	log     adapters.EventLog
	metrics *Metrics
}

// WrapEventLog wraps an event log with metrics collection.
func (m *Metrics) WrapEventLog(log adapters.EventLog) *EventLogMiddleware {
	return &EventLogMiddleware{log: log, metrics: m}
}

// Append stores an event with metrics.
func (em *EventLogMiddleware) Append(ctx context.Context, streamID string, event adapters.EventRecord, expectedVersion int64) (adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.log.Append(ctx, streamID, event, expectedVersion)
	em.metrics.observeStore(OperationAppend, start, err)
	if err == nil {
		em.metrics.eventsAppendedTotal.WithLabelValues(em.metrics.serviceName, event.Type).Inc()
	}
	return stored, err
}

// Load retrieves events with metrics.
func (em *EventLogMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.log.Load(ctx, streamID, fromVersion)
	em.metrics.observeStore(OperationLoad, start, err)
	if err == nil {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with metrics. A missing stream is
// not counted as an error.
func (em *EventLogMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := em.log.GetStreamInfo(ctx, streamID)
	if errors.Is(err, adapters.ErrStreamNotFound) {
		em.metrics.observeStore(OperationStreamInfo, start, nil)
	} else {
		em.metrics.observeStore(OperationStreamInfo, start, err)
	}
	return info, err
}

// Initialize initializes the underlying log.
func (em *EventLogMiddleware) Initialize(ctx context.Context) error {
	return em.log.Initialize(ctx)
}

// Close closes the underlying log.
func (em *EventLogMiddleware) Close() error {
	return em.log.Close()
}

// SnapshotMiddleware wraps a SnapshotAdapter with metrics.
type SnapshotMiddleware struct {
	store   adapters.SnapshotAdapter
	metrics *Metrics
}

// WrapSnapshots wraps a snapshot store with metrics collection.
func (m *Metrics) WrapSnapshots(store adapters.SnapshotAdapter) *SnapshotMiddleware {
	return &SnapshotMiddleware{store: store, metrics: m}
}

// SaveSnapshot stores a snapshot with metrics.
func (sm *SnapshotMiddleware) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	start := time.Now()
	err := sm.store.SaveSnapshot(ctx, snapshot)
	sm.metrics.observeStore(OperationSaveSnapshot, start, err)
	return err
}

// LoadSnapshot loads a snapshot with metrics.
func (sm *SnapshotMiddleware) LoadSnapshot(ctx context.Context, streamID string, maxVersion int64) (*adapters.SnapshotRecord, error) {
	start := time.Now()
	snap, err := sm.store.LoadSnapshot(ctx, streamID, maxVersion)
	sm.metrics.observeStore(OperationLoadSnapshot, start, err)
	return snap, err
}

// DeleteSnapshots deletes snapshots with metrics.
func (sm *SnapshotMiddleware) DeleteSnapshots(ctx context.Context, streamID string) error {
	start := time.Now()
	err := sm.store.DeleteSnapshots(ctx, streamID)
	sm.metrics.observeStore(OperationDeleteSnapshot, start, err)
	return err
}

var (
	_ adapters.EventLog        = (*EventLogMiddleware)(nil)
	_ adapters.SnapshotAdapter = (*SnapshotMiddleware)(nil)
)

// =============================================================================
// Getters for testing
// =============================================================================

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec { return m.commandsTotal }

// StoreOperationsTotal returns the store operations counter.
func (m *Metrics) StoreOperationsTotal() *prometheus.CounterVec { return m.storeOperationsTotal }

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec { return m.eventsAppendedTotal }

// HierarchyChecksTotal returns the hierarchy checks counter.
func (m *Metrics) HierarchyChecksTotal() *prometheus.CounterVec { return m.hierarchyChecksTotal }

// ConflictRetriesTotal returns the conflict retries counter.
func (m *Metrics) ConflictRetriesTotal() *prometheus.CounterVec { return m.conflictRetriesTotal }

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec { return m.errorsTotal }
