// Package result holds the typed outcome values shared by procedures,
// dispatchers and resource controllers.
//
// A handler never signals an expected failure with a Go error. It returns a
// Failure (or a Result carrying one) and the transport layer turns it into a
// status code and a `{"success":false,...}` body.
package result

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Code string

const (
	CodeUnacceptableRequest      Code = "unacceptable_request"
	CodeNotLoggedIn              Code = "not_logged_in"
	CodeUnacceptableSessionKey   Code = "unacceptable_session_key"
	CodeNotAuthorized            Code = "not_authorized"
	CodeInvalidOrigin            Code = "invalid_origin"
	CodeOperationNotFound        Code = "operation_not_found"
	CodeParentNotFound           Code = "parent_not_found"
	CodeDataNotFound             Code = "data_not_found"
	CodeRecordNotFound           Code = "record_not_found"
	CodeActionNotSupported       Code = "action_not_supported"
	CodeNotSupported             Code = "not_supported"
	CodeSubscriptionLimitReached Code = "subscription_limit_reached"
	CodeRateLimitExceeded        Code = "rate_limit_exceeded"
	CodeServerError              Code = "server_error"
)

// Issue is a single field-level validation problem.
type Issue struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
}

// Reason explains a not_authorized decision. It is attached to traces and
// returned to the caller, but the framer never rewrites it.
type Reason struct {
	Type         string `json:"type"`
	Action       string `json:"action,omitempty"`
	ResourceKind string `json:"resourceKind,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	Marker       string `json:"marker,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Failure is the `success:false` half of every result.
type Failure struct {
	Code    Code
	Message string
	Issues  []Issue
	Reason  *Reason
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) MarshalJSON() ([]byte, error) {
	type wire struct {
		Success      bool    `json:"success"`
		ErrorCode    Code    `json:"errorCode"`
		ErrorMessage string  `json:"errorMessage"`
		Issues       []Issue `json:"issues,omitempty"`
		Reason       *Reason `json:"reason,omitempty"`
	}
	return json.Marshal(wire{
		Success:      false,
		ErrorCode:    f.Code,
		ErrorMessage: f.Message,
		Issues:       f.Issues,
		Reason:       f.Reason,
	})
}

func (f *Failure) UnmarshalJSON(b []byte) error {
	var w struct {
		ErrorCode    Code    `json:"errorCode"`
		ErrorMessage string  `json:"errorMessage"`
		Issues       []Issue `json:"issues"`
		Reason       *Reason `json:"reason"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	f.Code, f.Message, f.Issues, f.Reason = w.ErrorCode, w.ErrorMessage, w.Issues, w.Reason
	return nil
}

func (f *Failure) Succeeded() bool        { return false }
func (f *Failure) FailureCode() Code      { return f.Code }
func (f *Failure) FailureReason() *Reason { return f.Reason }

// Outcome is implemented by every value that carries a success flag. Values
// that do not implement it are treated as successful.
type Outcome interface {
	Succeeded() bool
	FailureCode() Code
	FailureReason() *Reason
}

func Fail(code Code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

func Invalid(issues []Issue) *Failure {
	return &Failure{Code: CodeUnacceptableRequest, Message: "The request was invalid. One or more fields were invalid.", Issues: issues}
}

func ServerError() *Failure {
	return &Failure{Code: CodeServerError, Message: "A server error occurred."}
}

func NotAuthorized(reason *Reason) *Failure {
	return &Failure{Code: CodeNotAuthorized, Message: "You are not authorized to perform this action.", Reason: reason}
}

func InvalidOrigin() *Failure {
	return &Failure{Code: CodeInvalidOrigin, Message: "The request must be made from an authorized origin."}
}

func OperationNotFound() *Failure {
	return &Failure{Code: CodeOperationNotFound, Message: "An operation could not be found for the given request."}
}

func RateLimitExceeded() *Failure {
	return &Failure{Code: CodeRateLimitExceeded, Message: "Rate limit exceeded."}
}

// Result is the tagged union returned by typed operations. Exactly one of
// Value (when Failure is nil) or Failure is meaningful.
type Result[T any] struct {
	Value   T
	Failure *Failure
}

func OK[T any](v T) Result[T] { return Result[T]{Value: v} }

func Err[T any](f *Failure) Result[T] { return Result[T]{Failure: f} }

func (r Result[T]) Succeeded() bool { return r.Failure == nil }

func (r Result[T]) FailureCode() Code {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Code
}

func (r Result[T]) FailureReason() *Reason {
	if r.Failure == nil {
		return nil
	}
	return r.Failure.Reason
}

// MarshalJSON writes `{"success":true, ...fields of Value}` or the failure
// body. A non-object Value is placed under "value".
func (r Result[T]) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return r.Failure.MarshalJSON()
	}
	return withSuccess(r.Value)
}

func (r *Result[T]) UnmarshalJSON(b []byte) error {
	var head struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	if !head.Success {
		r.Failure = &Failure{}
		return json.Unmarshal(b, r.Failure)
	}
	r.Failure = nil
	return json.Unmarshal(b, &r.Value)
}

func withSuccess(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return json.Marshal(struct {
			Success bool `json:"success"`
			Value   any  `json:"value"`
		}{true, v})
	}
	inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
	out := make([]byte, 0, len(trimmed)+16)
	out = append(out, `{"success":true`...)
	if len(inner) > 0 {
		out = append(out, ',')
		out = append(out, inner...)
	}
	out = append(out, '}')
	return out, nil
}
