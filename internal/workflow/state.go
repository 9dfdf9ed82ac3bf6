package workflow

// Envelope is one node's output: the value plus execution metadata.
type Envelope struct {
	Value any            `json:"value"`
	Meta  map[string]any `json:"meta"`
}

// State accumulates a run's node outputs. The engine writes it from a
// single goroutine; readers see it only through resolution.
type State struct {
	NodeOutputs    map[string]Envelope
	CompletedNodes []string
	Error          string
}

// NewState returns an empty state.
func NewState() *State {
	return &State{NodeOutputs: make(map[string]Envelope)}
}

// Complete records a node's envelope in insertion order.
func (s *State) Complete(nodeID string, env Envelope) {
	s.NodeOutputs[nodeID] = env
	s.CompletedNodes = append(s.CompletedNodes, nodeID)
}

// Fail records the first error only; later failures keep the original.
func (s *State) Fail(msg string) {
	if s.Error == "" {
		s.Error = msg
	}
}
