package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrUnavailable       = errors.New("service unavailable")
	ErrSessionExpired    = errors.New("session expired")
	ErrInternal          = errors.New("internal error")
)

// SessionStatus enumerates session lifecycle states.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionClosed SessionStatus = "CLOSED"
)

// ClientInfo carries transport-level facts about the peer that opened a
// session. All fields are optional.
type ClientInfo struct {
	UserAgent    string
	SourceAddr   string
	ConnectionID string
}

// Session identifies one conversation. ID is immutable; LastActivity is
// monotonically non-decreasing within a process; status only ever moves
// ACTIVE -> CLOSED.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Status       SessionStatus
	Client       ClientInfo
	Metadata     map[string]string
}

// Role tags a conversation message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Intent is the routing class assigned to a user message.
type Intent string

const (
	IntentRAG     Intent = "rag"
	IntentGeneral Intent = "general"
	IntentTool    Intent = "mcp_tool"
	// IntentWorkflow and IntentFallback are reply classifications only; the
	// router never emits them.
	IntentWorkflow Intent = "workflow"
	IntentFallback Intent = "error_fallback"
)

// Sentiment labels emitted by the model.
const (
	SentimentPositive = "POSITIVE"
	SentimentNegative = "NEGATIVE"
	SentimentNeutral  = "NEUTRAL"
	SentimentMixed    = "MIXED"
)

// Message is one role-tagged entry of conversation history handed to the
// model client.
type Message struct {
	Role    Role
	Content string
}

// ConversationRecord is one persisted message. Partitioned by session id and
// sorted by message id (ULIDs, so lexicographic order is time order).
// Assistant records always carry a classification tag.
type ConversationRecord struct {
	SessionID      string
	MessageID      string
	Timestamp      time.Time
	Role           Role
	Content        string
	Classification string
	Sources        []string
	ToolsUsed      []string
	ResponseMs     int64
	Sentiment      string
	SentimentConf  float64
}

// AnalyticsEvent kinds.
const (
	EventQuery             = "query"
	EventToolUsage         = "tool_usage"
	EventSessionCreated    = "session_created"
	EventSessionClosed     = "session_closed"
	EventErrorOccurred     = "error_occurred"
	EventResponseGenerated = "response_generated"
	EventIncidentCreated   = "incident_created"
)

// AnalyticsEvent is one observable happening, partitioned by date and sorted
// by event id. Payload values must survive the decimal conversion in
// pkg/numx: scalars and nested maps/lists only, fractional numbers stored as
// fixed-precision decimal strings, never binary floats.
type AnalyticsEvent struct {
	Date      string `json:"date"` // YYYY-MM-DD partition
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	SessionID string `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Chunk is a retrieval unit: one passage of pre-embedded source text. Score
// is cosine similarity to the query, computed at search time and clamped to
// [0, 1].
type Chunk struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Embedding []float32 `json:"embedding,omitempty"`
	Score     float64   `json:"-"`
}

// Envelope is the structured reply produced by every pipeline executor.
type Envelope struct {
	Text              string
	Classification    Intent
	Sources           []string
	ToolsUsed         []string
	ResponseMs        int64
	DetectedLanguage  string
	Sentiment         string
	SentimentConf     float64
	RequiresAttention bool
	ResponseTone      string
	IsFallback        bool
}

// Completion is the uniform result of a model generation call.
type Completion struct {
	Text       string
	Usage      TokenUsage
	ModelID    string
	IsFallback bool
}

// TokenUsage reports prompt/completion token counts. Estimated when the
// upstream response carries no usage numbers.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

/// GenerateRequest is the model client input: ordered role-tagged messages
// plus an optional system prompt.
type GenerateRequest struct {
	Messages    []Message
	System      string
	MaxTokens   int
	Temperature float64
	// ImageB64 optionally attaches one base64-encoded image for
	// vision-capable models. Dropped when over the configured size bound.
	ImageB64 string
}

// WorkflowKind enumerates incident workflow variants.
type WorkflowKind string

const (
	WorkflowComplaint     WorkflowKind = "complaint"
	WorkflowTextIncident  WorkflowKind = "text-incident"
	WorkflowImageIncident WorkflowKind = "image-incident"
)

// WorkflowStatus enumerates workflow state-machine states. Transitions are
// linear per kind.
type WorkflowStatus string

const (
	WorkflowInitiated       WorkflowStatus = "initiated"
	WorkflowCollecting      WorkflowStatus = "collecting"
	WorkflowClassifying     WorkflowStatus = "classifying"
	WorkflowAwaitingConfirm WorkflowStatus = "awaiting_confirm"
	WorkflowCommitted       WorkflowStatus = "committed"
	WorkflowAbandoned       WorkflowStatus = "abandoned"
)

// Classification is the closed-vocabulary triple derived by the incident
// classifier.
type Classification struct {
	Feedback    string `json:"feedback"`
	Category    string `json:"category"`
	SubCategory string `json:"sub_category"`
}

// Ticket is a committed incident. TicketNumber format: N/YYYY/MM/DD.
// Rows expire 90 days after creation.
type Ticket struct {
	TicketNumber string
	Subject      string
	Details      string
	Location     string
	Feedback     string
	Category     string
	SubCategory  string
	CreatedAt    time.Time
	Status       string
	BlobKey      string
	ExpiresAt    time.Time
}

// WorkflowEvent is a durable audit row appended when a workflow commits.
type WorkflowEvent struct {
	EventID      string
	TicketNumber string
	EventType    string
	Timestamp    time.Time
	Payload      map[string]any
}

// Ports

// SessionStore owns Session rows in the KV store.
type SessionStore interface {
	Create(ctx Context, client ClientInfo) (string, error)
	Get(ctx Context, id string) (*Session, error)
	Touch(ctx Context, id string) error
	Close(ctx Context, id string) error
	Sweep(ctx Context) (int, error)
}

// ConversationRepository owns Conversation rows.
type ConversationRepository interface {
	Insert(ctx Context, rec ConversationRecord) error
	ListRecent(ctx Context, sessionID string, limit int) ([]ConversationRecord, error)
}

// AnalyticsWriter records analytics events. Every operation is best-effort:
// implementations must never let a failure reach the user path.
type AnalyticsWriter interface {
	RecordQuery(ctx Context, sessionID string, intent Intent, latencyMs int64, success bool, details map[string]any)
	RecordTool(ctx Context, sessionID, toolName string, latencyMs int64, success bool, details map[string]any)
	RecordSession(ctx Context, sessionID, eventKind string, details map[string]any)
}

// AnalyticsRepository persists analytics events (consumed by the worker).
type AnalyticsRepository interface {
	Insert(ctx Context, ev AnalyticsEvent) error
}

// TicketRepository owns durable Ticket rows. Insert must be conditional on
// ticket number so number collisions surface as ErrConflict.
type TicketRepository interface {
	Insert(ctx Context, t Ticket) error
	Get(ctx Context, ticketNumber string) (*Ticket, error)
}

// WorkflowEventRepository appends workflow audit rows.
type WorkflowEventRepository interface {
	Append(ctx Context, ev WorkflowEvent) error
}

// ModelClient is the uniform facade over the LLM inference endpoint.
type ModelClient interface {
	Generate(ctx Context, req GenerateRequest) (Completion, error)
}

// Embedder returns dense vectors for texts.
type Embedder interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// Retriever returns top-k chunks scoring at or above threshold.
type Retriever interface {
	Search(ctx Context, query string, limit int, threshold float64) ([]Chunk, error)
}

// ToolInvoker exposes schema-validated invocation of out-of-process tools.
type ToolInvoker interface {
	Invoke(ctx Context, name string, args map[string]any) (map[string]any, error)
	Identify(ctx Context, userText string) ([]string, error)
	Names() []string
}

// BlobStore abstracts the binary object store used for incident images and
// pre-embedded chunk documents.
type BlobStore interface {
	Put(ctx Context, key string, data []byte, contentType string) error
	Get(ctx Context, key string) ([]byte, error)
	List(ctx Context, prefix string) ([]string, error)
}

// Context is an alias to allow decoupling from std context in domain
// signatures; adapters and usecases pass context.Context through.
type Context = context.Context
