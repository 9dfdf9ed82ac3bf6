// Package tools is the unified tool registry: built-ins plus tools
// discovered from configured MCP servers, adapted to Eino's
// tool.InvokableTool interface.
package tools

import (
	"encoding/json"
	"fmt"
)

// ErrorType classifies tool failures for the model. The classification
// is part of the tool output, so the model can react (ask the user to
// connect an account, back off, rephrase arguments) instead of the run
// aborting.
type ErrorType string

const (
	ErrConnectorNotConfigured ErrorType = "connector_not_configured"
	ErrInvalidCredentials     ErrorType = "invalid_credentials"
	ErrRateLimited            ErrorType = "rate_limited"
	ErrPermissionDenied       ErrorType = "permission_denied"
	ErrUpstream               ErrorType = "upstream_error"
	ErrInvalidArguments       ErrorType = "invalid_arguments"
)

// Result is the envelope every tool returns. Exactly one of Data or the
// error fields is populated, keyed by OK.
type Result struct {
	OK          bool      `json:"ok"`
	Data        any       `json:"data,omitempty"`
	ErrorType   ErrorType `json:"error_type,omitempty"`
	UserMessage string    `json:"user_message,omitempty"`
	Connector   string    `json:"connector,omitempty"`
	SetupURL    string    `json:"setup_url,omitempty"`
}

// Success wraps data in an ok envelope.
func Success(data any) Result {
	return Result{OK: true, Data: data}
}

// Failure builds an error envelope.
func Failure(et ErrorType, msg string) Result {
	return Result{OK: false, ErrorType: et, UserMessage: msg}
}

// Failuref is Failure with formatting.
func Failuref(et ErrorType, format string, args ...any) Result {
	return Failure(et, fmt.Sprintf(format, args...))
}

// NotConfigured builds the envelope telling the model which connector
// is missing and where the user can set it up.
func NotConfigured(connector, setupURL string) Result {
	return Result{
		OK:          false,
		ErrorType:   ErrConnectorNotConfigured,
		UserMessage: fmt.Sprintf("The %s connector is not configured. Ask the user to connect it.", connector),
		Connector:   connector,
		SetupURL:    setupURL,
	}
}

// Encode renders the envelope as the JSON string handed back to the model.
func (r Result) Encode() string {
	data, err := json.Marshal(r)
	if err != nil {
		// The envelope only carries JSON-safe values; this is unreachable
		// short of a programming error in a tool.
		return `{"ok":false,"error_type":"upstream_error","user_message":"internal encoding error"}`
	}
	return string(data)
}
