// Package web provides the HTTP surface of the runlog server: the trigger
// endpoint, the per-session event stream, and the run history.
package web

// PromptRequest is the body of the triggering request. The session id must be
// the one the client opened its event stream with, so the server can
// correlate pushed events with this request.
type PromptRequest struct {
	Query     string `json:"query"      validate:"required,min=1"`
	SessionID string `json:"session_id" validate:"required,alphanum,len=10"`
}

// PromptMessage wraps the response text of a finished run.
type PromptMessage struct {
	Response string `json:"response"`
}

// PromptResponse is the success body of the triggering request.
type PromptResponse struct {
	Message PromptMessage `json:"message"`
}
