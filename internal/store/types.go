package store

import (
	"encoding/json"
	"time"
)

// Role of an owner account.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Owner is a user account. Every other row is owner-scoped.
type Owner struct {
	ID        string
	Email     string
	Role      string
	CreatedAt time.Time
}

// AgentStatus is the coarse agent state surfaced to dashboards.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
)

// Agent is a user-defined LLM + tool configuration.
type Agent struct {
	ID                 string
	OwnerID            string
	Name               string
	Model              string
	SystemInstructions string
	TaskInstructions   string
	AllowedTools       []string // glob patterns, e.g. "github_*"
	CronSpec           string   // empty = not scheduled
	Status             AgentStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ThreadKind distinguishes how a thread was started.
type ThreadKind string

const (
	ThreadChat      ThreadKind = "chat"
	ThreadScheduled ThreadKind = "scheduled"
	ThreadManual    ThreadKind = "manual"
)

// WakeCondition suspends a thread until an external condition holds.
type WakeCondition struct {
	Type string    `json:"type"` // time | email | approval
	At   time.Time `json:"at,omitempty"`
}

// Thread is an ordered, append-only conversation bound to one agent.
type Thread struct {
	ID             string
	OwnerID        string
	AgentID        string
	Title          string
	Kind           ThreadKind
	AgentState     json.RawMessage // opaque, owned by memory strategies
	MemoryStrategy string
	WakeCondition  *WakeCondition
	CreatedAt      time.Time
}

// ToolCall is one tool-invocation request inside an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message belongs to a thread. Ordering is total per thread via SentAt.
type Message struct {
	ID         string
	ThreadID   string
	Role       string // system | user | assistant | tool
	Content    string
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool messages only
	ToolName   string     // tool messages only
	ParentID   string     // groups tool messages to the assistant call
	SentAt     time.Time
}

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// TriggerSource records what started a run.
type TriggerSource string

const (
	SourceManual   TriggerSource = "manual"
	SourceSchedule TriggerSource = "schedule"
	SourceAPI      TriggerSource = "api"
	SourceWebhook  TriggerSource = "webhook"
	SourceEmail    TriggerSource = "email"
)

// Run is one execution of an agent or workflow.
type Run struct {
	ID            string
	OwnerID       string
	AgentID       string // empty for workflow runs without an agent
	WorkflowID    string // empty for agent runs
	ThreadID      string
	Status        RunStatus
	TriggerSource TriggerSource
	StartedAt     time.Time
	FinishedAt    *time.Time
	DurationMs    int64
	TotalTokens   *int
	TotalCostUSD  *float64
	Summary       string
	Error         string
}

// TriggerType distinguishes trigger wake conditions.
type TriggerType string

const (
	TriggerWebhook TriggerType = "webhook"
	TriggerEmail   TriggerType = "email"
)

// Trigger binds an agent to an external wake condition.
type Trigger struct {
	ID        string
	OwnerID   string
	AgentID   string
	Type      TriggerType
	Secret    string          // HMAC key for webhook triggers
	Config    json.RawMessage // provider-specific filters
	CreatedAt time.Time
}

// EmailFilter are the per-trigger Gmail matching rules.
type EmailFilter struct {
	FromContains    string   `json:"from_contains,omitempty"`
	SubjectContains string   `json:"subject_contains,omitempty"`
	Query           string   `json:"query,omitempty"`
	LabelInclude    []string `json:"label_include,omitempty"`
	LabelExclude    []string `json:"label_exclude,omitempty"`
}

// Connector is an owner-scoped integration holding OAuth/push state.
// Keyed uniquely by (owner, type, provider).
type Connector struct {
	ID         string
	OwnerID    string
	Type       string // e.g. "email"
	Provider   string // e.g. "gmail"
	Credential string // encrypted blob (refresh token etc.)
	Config     ConnectorConfig
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConnectorConfig is provider-specific connector state.
type ConnectorConfig struct {
	EmailAddress string    `json:"email_address,omitempty"`
	HistoryID    uint64    `json:"history_id,omitempty"`
	LastMsgNo    uint64    `json:"last_msg_no,omitempty"`
	WatchExpiry  time.Time `json:"watch_expiry,omitempty"`
}

// CredentialTestStatus records the outcome of the last connectivity test.
const (
	CredUntested = "untested"
	CredSuccess  = "success"
	CredFailed   = "failed"
)

// AccountCredential is an owner-scoped secret for a built-in tool,
// keyed uniquely by (owner, connector_type).
type AccountCredential struct {
	ID             string
	OwnerID        string
	ConnectorType  string
	EncryptedValue string
	DisplayName    string
	TestStatus     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentCredential is a per-agent override of an account credential.
type AgentCredential struct {
	ID             string
	AgentID        string
	OwnerID        string
	ConnectorType  string
	EncryptedValue string
	DisplayName    string
	CreatedAt      time.Time
}

// NodeType is the workflow node discriminator.
type NodeType string

const (
	NodeTrigger     NodeType = "trigger"
	NodeAgent       NodeType = "agent"
	NodeTool        NodeType = "tool"
	NodeConditional NodeType = "conditional"
)

// WorkflowNode is one node of a workflow graph.
type WorkflowNode struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config"`
	X      float64         `json:"x"`
	Y      float64         `json:"y"`
}

// WorkflowEdge is a directed edge. Branch labels the outgoing edges of a
// conditional node ("true"/"false"); empty otherwise.
type WorkflowEdge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Branch string `json:"branch,omitempty"`
}

// Workflow is a named node graph owned by a user.
type Workflow struct {
	ID        string
	OwnerID   string
	Name      string
	Nodes     []WorkflowNode
	Edges     []WorkflowEdge
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodePhase is the per-node execution state.
type NodePhase string

const (
	NodePending   NodePhase = "pending"
	NodeRunning   NodePhase = "running"
	NodeSucceeded NodePhase = "succeeded"
	NodeFailed    NodePhase = "failed"
	NodeSkipped   NodePhase = "skipped"
)

// NodeExecutionState is the per (run, node) record.
type NodeExecutionState struct {
	RunID      string
	NodeID     string
	Phase      NodePhase
	Envelope   json.RawMessage
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}
