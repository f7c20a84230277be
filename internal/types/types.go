package types

import "time"

// Task represents a single image queued for recognition.
type Task struct {
	ID         uint64
	Image      []byte
	EnqueuedAt time.Time
}

// Result is the terminal outcome of a Task, produced by the worker that ran it.
type Result struct {
	ID           uint64
	Text         string
	Success      bool
	ErrorMessage string
	Completed    bool
	Attempts     int
	WorkerID     int
	CreatedAt    time.Time
}

// OCRRequest is the wire request shared by the unary and streaming calls.
type OCRRequest struct {
	RequestID int32  `json:"request_id"`
	ImageData []byte `json:"image_data"`
}

// OCRResponse is the wire response. RequestID echoes the caller's id.
type OCRResponse struct {
	RequestID    int32  `json:"request_id"`
	Text         string `json:"text"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

// NewResponse builds the wire response for a result delivered to the caller
// that sent requestID.
func NewResponse(requestID int32, r Result) *OCRResponse {
	return &OCRResponse{
		RequestID:    requestID,
		Text:         r.Text,
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage,
	}
}

// Delivery records one response handed back to a caller.
type Delivery struct {
	Method       string        `json:"method"`
	SessionID    string        `json:"session_id,omitempty"`
	RequestID    int32         `json:"request_id"`
	Digest       string        `json:"digest"`
	Text         string        `json:"-"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	DeliveredAt  time.Time     `json:"delivered_at"`
}
