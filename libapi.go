package imbus

import (
	runtimepkg "github.com/drblury/imbus/internal/runtime"
	configpkg "github.com/drblury/imbus/internal/runtime/config"
	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/imbus/internal/runtime/handlers"
	idspkg "github.com/drblury/imbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/imbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
	"github.com/drblury/imbus/internal/runtime/persistence"
	"github.com/drblury/imbus/internal/runtime/store"
	transportpkg "github.com/drblury/imbus/internal/runtime/transport"
	newtransport "github.com/drblury/imbus/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config              = configpkg.Config
	PersistenceConfig   = configpkg.PersistenceConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = transportpkg.Factory

	Envelope  = envelope.Envelope
	Option    = envelope.Option
	Priority  = envelope.Priority
	Status    = envelope.Status
	EventType = envelope.EventType

	Handler                    = handlerpkg.Handler
	HandlerOption              = handlerpkg.Option
	ProcessFunc                = handlerpkg.ProcessFunc
	Event[T any]               = handlerpkg.Event[T]
	JSONFunc[T any]            = handlerpkg.JSONFunc[T]
	ProtoFunc[T proto.Message] = handlerpkg.ProtoFunc[T]

	Registry        = runtimepkg.Registry
	RegistryOption  = runtimepkg.RegistryOption
	RegistryStats   = runtimepkg.RegistryStats
	Result          = runtimepkg.Result
	Failure         = runtimepkg.Failure
	SubscribeResult = runtimepkg.SubscribeResult
	DispatchMetrics = runtimepkg.DispatchMetrics

	InvokeFunc             = runtimepkg.InvokeFunc
	DispatchMiddleware     = runtimepkg.DispatchMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	DispatchContext = runtimepkg.DispatchContext
	DispatchHooks   = runtimepkg.DispatchHooks

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Store         = store.Store
	StoredEvent   = store.Row
	EventQuery    = store.Query
	PipelineStats = persistence.Stats

	HandlerInfo             = runtimepkg.HandlerInfo
	HandlerStats            = runtimepkg.HandlerStats
	ErrorClassifier         = runtimepkg.ErrorClassifier
	ErrorCategory           = runtimepkg.ErrorCategory
	ConfigValidationError   = errspkg.ConfigValidationError
	UnprocessableEventError = errspkg.UnprocessableEventError

	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	NewRegistry    = runtimepkg.NewRegistry
	LoadConfig     = configpkg.Load
	LoadConfigFile = configpkg.LoadFile
	ValidateConfig = configpkg.ValidateConfig

	NewEnvelope     = envelope.New
	ReplyTo         = envelope.ReplyTo
	EncodeEnvelope  = envelope.Encode
	DecodeEnvelope  = envelope.Decode
	ParsePriority   = envelope.ParsePriority
	WithPriority    = envelope.WithPriority
	FromService     = envelope.FromService
	ToService       = envelope.ToService
	WithUser        = envelope.WithUser
	WithCorrelation = envelope.WithCorrelation
	WithExpiry      = envelope.WithExpiry
	WithMetadata    = envelope.WithMetadata

	NewHandler          = handlerpkg.New
	WithHandlerPriority = handlerpkg.WithPriority
	WithFilter          = handlerpkg.WithFilter
	ProtoData           = handlerpkg.ProtoData

	WithHandlers              = runtimepkg.WithHandlers
	WithMiddlewares           = runtimepkg.WithMiddlewares
	WithoutDefaultMiddlewares = runtimepkg.WithoutDefaultMiddlewares
	WithFailureSource         = runtimepkg.WithFailureSource
	WithRegistryLogger        = runtimepkg.WithLogger
	WithHooks                 = runtimepkg.WithHooks

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	HandlerStatsMiddleware  = runtimepkg.HandlerStatsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	HooksMiddleware = runtimepkg.HooksMiddleware
	LoggingHooks    = runtimepkg.LoggingHooks
	MetricsHooks    = runtimepkg.MetricsHooks
	AlertingHooks   = runtimepkg.AlertingHooks

	NewMemoryStore   = store.NewMemory
	NewSQLiteStore   = store.NewSQLite
	NewPostgresStore = store.NewPostgres
	OpenStore        = store.Open

	GetCapabilities   = newtransport.GetCapabilities
	CapabilitiesFor   = newtransport.CapabilitiesFor
	RegisterTransport = newtransport.Register
	BuildTransport    = newtransport.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrServiceStarted       = errspkg.ErrServiceStarted
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrSubjectRequired      = errspkg.ErrSubjectRequired
	ErrDuplicateHandler     = errspkg.ErrDuplicateHandler
	ErrTransportRequired    = errspkg.ErrTransportRequired
	ErrUnknownTransport     = newtransport.ErrUnknownTransport
	ErrEventIDRequired      = errspkg.ErrEventIDRequired
	ErrEventPayloadRequired = errspkg.ErrEventPayloadRequired
	ErrTerminalStatus       = errspkg.ErrTerminalStatus
	ErrNotFound             = errspkg.ErrNotFound

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewDiscardLogger     = loggingpkg.NewDiscardLogger

	NewEventID = idspkg.CreateULID
)

const (
	PriorityLow    = envelope.PriorityLow
	PriorityNormal = envelope.PriorityNormal
	PriorityHigh   = envelope.PriorityHigh
	PriorityUrgent = envelope.PriorityUrgent

	StatusPending = envelope.StatusPending
	StatusSuccess = envelope.StatusSuccess
	StatusFailure = envelope.StatusFailure
	StatusTimeout = envelope.StatusTimeout

	TypeRequest      = envelope.TypeRequest
	TypeResponse     = envelope.TypeResponse
	TypeNotification = envelope.TypeNotification
	TypeBroadcast    = envelope.TypeBroadcast

	// FailureSubject carries every synthesized dispatch failure.
	FailureSubject = runtimepkg.FailureSubject

	CodeNoProcessorFound = errspkg.CodeNoProcessorFound
	CodeProcessorError   = errspkg.CodeProcessorError
	CodeNoResponse       = errspkg.CodeNoResponse

	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyEventSchema   = handlerpkg.MetadataKeyEventSchema
	MetadataKeyHandledBy     = handlerpkg.MetadataKeyHandledBy
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID        = handlerpkg.MetadataKeySpanID
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryPanic      = runtimepkg.ErrorCategoryPanic
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// NewJSONHandler builds a handler whose envelope data is decoded into T.
func NewJSONHandler[T any](name, subject string, fn JSONFunc[T], opts ...HandlerOption) (Handler, error) {
	return handlerpkg.NewJSON(name, subject, fn, opts...)
}

// NewProtoHandler builds a handler whose envelope data is decoded into the
// protobuf message type of prototype.
func NewProtoHandler[T proto.Message](name, subject string, prototype T, fn ProtoFunc[T], opts ...HandlerOption) (Handler, error) {
	return handlerpkg.NewProto(name, subject, prototype, fn, opts...)
}
