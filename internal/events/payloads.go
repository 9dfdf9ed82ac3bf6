package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

type RunCreatedPayload struct {
	RunID         string `json:"run_id"`
	OwnerID       string `json:"owner_id"`
	AgentID       string `json:"agent_id,omitempty"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	TriggerSource string `json:"trigger_source"`
	Status        string `json:"status"`
}

func (RunCreatedPayload) EventType() EventType { return EventRunCreated }

type RunUpdatedPayload struct {
	RunID        string   `json:"run_id"`
	AgentID      string   `json:"agent_id,omitempty"`
	WorkflowID   string   `json:"workflow_id,omitempty"`
	Status       string   `json:"status"`
	DurationMs   int64    `json:"duration_ms,omitempty"`
	TotalTokens  *int     `json:"total_tokens,omitempty"`
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (RunUpdatedPayload) EventType() EventType { return EventRunUpdated }

// =============================================================================
// AGENT EVENTS
// =============================================================================

type AgentUpdatedPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status,omitempty"`
}

func (AgentUpdatedPayload) EventType() EventType { return EventAgentUpdated }

// AgentEventPayload carries free-form agent activity for ops surfaces.
type AgentEventPayload struct {
	AgentID string         `json:"agent_id"`
	Kind    string         `json:"kind"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (AgentEventPayload) EventType() EventType { return EventAgentEvent }

// =============================================================================
// TRIGGERS
// =============================================================================

type TriggerFiredPayload struct {
	TriggerID string         `json:"trigger_id"`
	AgentID   string         `json:"agent_id"`
	Source    string         `json:"source"` // webhook | email
	Payload   map[string]any `json:"payload,omitempty"`
}

func (TriggerFiredPayload) EventType() EventType { return EventTriggerFired }

// =============================================================================
// WORKFLOW NODES
// =============================================================================

type NodeStatePayload struct {
	RunID    string          `json:"run_id"`
	NodeID   string          `json:"node_id"`
	Phase    string          `json:"phase"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (NodeStatePayload) EventType() EventType { return EventNodeState }

// =============================================================================
// TOKEN STREAMING
// =============================================================================

type StreamStartPayload struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id,omitempty"`
}

func (StreamStartPayload) EventType() EventType { return EventStreamStart }

type StreamChunkPayload struct {
	ThreadID  string `json:"thread_id"`
	ChunkType string `json:"chunk_type"` // assistant_token
	Content   string `json:"content"`
	Index     int    `json:"index"`
}

func (StreamChunkPayload) EventType() EventType { return EventStreamChunk }

type StreamEndPayload struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id,omitempty"`
}

func (StreamEndPayload) EventType() EventType { return EventStreamEnd }

// AssistantIDPayload announces the persisted assistant message id so clients
// can attach accumulated tokens to the right bubble.
type AssistantIDPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

func (AssistantIDPayload) EventType() EventType { return EventAssistantID }

// =============================================================================
// CONSTRUCTORS & EXTRACTORS
// =============================================================================

// NewTypedEvent builds an Event from a typed payload, stamped with the
// payload's own event type.
func NewTypedEvent(source EventSource, topic string, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes an event payload back into its typed form.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetRunCreatedPayload(e Event) (RunCreatedPayload, bool) {
	return ExtractPayload[RunCreatedPayload](e)
}

func GetRunUpdatedPayload(e Event) (RunUpdatedPayload, bool) {
	return ExtractPayload[RunUpdatedPayload](e)
}

func GetTriggerFiredPayload(e Event) (TriggerFiredPayload, bool) {
	return ExtractPayload[TriggerFiredPayload](e)
}

func GetNodeStatePayload(e Event) (NodeStatePayload, bool) {
	return ExtractPayload[NodeStatePayload](e)
}

func GetStreamChunkPayload(e Event) (StreamChunkPayload, bool) {
	return ExtractPayload[StreamChunkPayload](e)
}
