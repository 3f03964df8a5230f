package model

// WebSocket message types
const (
	WSMessageTypeSnapshot = "snapshot"
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSSnapshotMessage carries the full job record, sent once on connect
type WSSnapshotMessage struct {
	Type string `json:"type"`
	Job  Job    `json:"job"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Progress int       `json:"progress"`
	Status   JobStatus `json:"status"`
	Step     string    `json:"step,omitempty"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type   string      `json:"type"`
	JobID  string      `json:"jobId"`
	Result interface{} `json:"result"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
