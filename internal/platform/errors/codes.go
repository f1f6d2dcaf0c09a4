// Package errors defines the chat error taxonomy and its transport mappings.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code carried on the wire.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Caller errors.
	CodeAuthRequired     Code = "AUTH_REQUIRED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeRoomNotFound     Code = "ROOM_NOT_FOUND"
	CodeNotInRoom        Code = "NOT_IN_ROOM"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeJoinPending      Code = "JOIN_PENDING"
	CodeJoinCancelled    Code = "JOIN_CANCELLED"
	CodeRateLimited      Code = "RATE_LIMITED"

	// Infrastructure errors.
	CodePersistenceFailed Code = "PERSISTENCE_FAILED"
	CodeConnectionLost    Code = "CONNECTION_LOST"
	CodeUnavailable       Code = "UNAVAILABLE"
)

// Retryable reports whether a caller may retry the same request unchanged.
func (c Code) Retryable() bool {
	switch c {
	case CodePersistenceFailed, CodeConnectionLost, CodeUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the code to an HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeAuthRequired:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRoomNotFound:
		return http.StatusNotFound
	case CodeNotInRoom, CodeJoinPending, CodeJoinCancelled:
		return http.StatusConflict
	case CodeValidationFailed, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePersistenceFailed, CodeUnavailable, CodeConnectionLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps the code to a gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeAuthRequired:
		return codes.Unauthenticated
	case CodeForbidden:
		return codes.PermissionDenied
	case CodeRoomNotFound:
		return codes.NotFound
	case CodeNotInRoom, CodeJoinPending:
		return codes.FailedPrecondition
	case CodeJoinCancelled:
		return codes.Canceled
	case CodeValidationFailed, CodeInvalidArgument:
		return codes.InvalidArgument
	case CodeRateLimited:
		return codes.ResourceExhausted
	case CodePersistenceFailed, CodeUnavailable, CodeConnectionLost:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
