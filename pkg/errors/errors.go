package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError so callers can decide whether to retry,
// surface or swallow it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindDependency
	KindUnauthorized
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindDependency:
		return "dependency"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

type AppError struct {
	Code    int    // Custom error code
	Kind    Kind   // Error class
	Message string // User-facing message
	Err     error  // Underlying error (optional)
}

const (
	ErrInvalidToken       = 1001
	ErrAuctionNotFound    = 1002
	ErrBidTooLow          = 1003
	ErrAuctionClosed      = 1004
	ErrWebSocketUpgrade   = 1005
	ErrBadMessageFormat   = 1006
	ErrUnknownMessageType = 1007
	ErrRateLimited        = 1008

	ErrBiddingNotActive     = 1101
	ErrUnauthorizedTeam     = 1102
	ErrBelowFloor           = 1103
	ErrInvalidIncrement     = 1104
	ErrExceedsSalaryCap     = 1105
	ErrInsufficientReserve  = 1106
	ErrAuctionEnded         = 1107
	ErrLeagueAlreadyActive  = 1108
	ErrTeamNotRegistered    = 1109
	ErrTierNotFound         = 1110
	ErrLeagueNotFound       = 1111
	ErrBidConflict          = 1112
	ErrStorageUnavailable   = 1113
	ErrInvalidRequest       = 1114
	ErrUnknownLeagueAction  = 1115
	ErrAdminRequired        = 1116
	ErrRecordAlreadyPresent = 1117

	ErrInternalServer = 500
)

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to the status code returned by the API.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindDependency:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON renders the error as the message sent to API and websocket clients.
// The underlying error is never included.
func (e *AppError) ToJSON() string {
	b, err := json.Marshal(struct {
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}{"error", e.Code, e.Kind.String(), e.Message})
	if err != nil {
		return `{"type":"error","code":500,"message":"Internal server error"}`
	}
	return string(b)
}

// Wrapping utility
func Wrap(err error, message string) *AppError {
	return &AppError{Code: ErrInternalServer, Kind: KindInternal, Message: message, Err: err}
}

// Error creation utility
func New(code int, message string) *AppError {
	return &AppError{Code: code, Kind: KindInternal, Message: message}
}

func Validation(code int, message string) *AppError {
	return &AppError{Code: code, Kind: KindValidation, Message: message}
}

func Conflict(code int, message string, err error) *AppError {
	return &AppError{Code: code, Kind: KindConflict, Message: message, Err: err}
}

func NotFound(code int, message string) *AppError {
	return &AppError{Code: code, Kind: KindNotFound, Message: message}
}

func Dependency(message string, err error) *AppError {
	return &AppError{Code: ErrStorageUnavailable, Kind: KindDependency, Message: message, Err: err}
}

func Unauthorized(code int, message string) *AppError {
	return &AppError{Code: code, Kind: KindUnauthorized, Message: message}
}

func Forbidden(code int, message string) *AppError {
	return &AppError{Code: code, Kind: KindForbidden, Message: message}
}

// As finds the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return err != nil && KindOf(err) == KindConflict }
func IsNotFound(err error) bool   { return err != nil && KindOf(err) == KindNotFound }
func IsDependency(err error) bool { return err != nil && KindOf(err) == KindDependency }

// CodeOf returns the AppError code of err, or ErrInternalServer.
func CodeOf(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrInternalServer
}
