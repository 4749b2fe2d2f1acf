package handler

import (
	"time"
)

// ReviewRequest is the body of an approve or reject call.
type ReviewRequest struct {
	ReviewerID string `json:"reviewer_id" binding:"required"`
	Note       string `json:"note"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Poller    map[string]string `json:"poller,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
