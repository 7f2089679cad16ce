// Package uds carries length-prefixed JSON requests over a Unix domain socket
// between the conveyor CLI and its daemon.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const ProtocolVersion = 1

// MaxFrameSize bounds a single request or response.
const MaxFrameSize = 10 * 1024 * 1024

// DefaultSocketName is the socket filename inside the state directory.
const DefaultSocketName = "conveyor.sock"

const frameHeaderSize = 4

var ErrFrameTooLarge = errors.New("frame exceeds size limit")

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// Error codes carried in ErrorDetail.Code.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeRejected         = "REJECTED"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
	ErrCodeBusy             = "BUSY"
)

// ErrorDetail describes a failed request. Status and Description are set when
// a scheduling gate rejected the request.
type ErrorDetail struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Status      int    `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
}

func (e *ErrorDetail) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s [%d]: %s", e.Code, e.Status, e.Message)
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// CodeOf returns the error code carried by err, or "" when err did not come
// from the daemon.
func CodeOf(err error) string {
	var detail *ErrorDetail
	if errors.As(err, &detail) {
		return detail.Code
	}
	return ""
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params == nil {
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", command, err)
	}
	req.Params = raw
	return req, nil
}

// Decode unmarshals the request params into v. Empty params leave v untouched.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	if data == nil {
		return &Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
	}
	return &Response{Success: true, Data: raw}
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// RejectedResponse reports a request refused with an HTTP-style status.
func RejectedResponse(status int, message, description string) *Response {
	return &Response{Error: &ErrorDetail{
		Code:        ErrCodeRejected,
		Message:     message,
		Status:      status,
		Description: description,
	}}
}

// ErrorCode is the failure code, or "" for a successful response.
func (r *Response) ErrorCode() string {
	if r.Success || r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// DecodeData unmarshals a successful response's data into v. A failed
// response is returned as its *ErrorDetail.
func (r *Response) DecodeData(v any) error {
	if !r.Success {
		if r.Error != nil {
			return r.Error
		}
		return &ErrorDetail{Code: ErrCodeInternal, Message: "request failed without detail"}
	}
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// WriteFrame writes v as one frame: a 4-byte big-endian length followed by the
// JSON payload. Header and payload go out in a single write.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame into v.
func ReadFrame(r io.Reader, v any) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
