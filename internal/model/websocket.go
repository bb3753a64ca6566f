package model

// WebSocket message types
const (
	WSMessageTypeState    = "state"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStateMessage notifies subscribers of a job state transition
type WSStateMessage struct {
	Type   string   `json:"type"`
	TaskID string   `json:"taskId"`
	State  JobState `json:"state"`
}

// WSCompleteMessage carries the merged record once an asset is available
type WSCompleteMessage struct {
	Type   string      `json:"type"`
	TaskID string      `json:"taskId"`
	Result interface{} `json:"result"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type   string  `json:"type"`
	TaskID string  `json:"taskId"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
