package dto

import (
	"encoding/json"
	"time"
)

type SubmitJobRequest struct {
	ID     string         `json:"id" binding:"required"`
	Params map[string]any `json:"params"`
}

type SubmitJobResponse struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

type JobStatusResponse struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type JobResultResponse struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	MessageID   string          `json:"message_id,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
	Result      json.RawMessage `json:"result"`
}
