package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"identity-service/internal/otp"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success bool                 `json:"success"`
	Data    any                  `json:"data,omitempty"`
	Error   string               `json:"error,omitempty"`
	Message string               `json:"message,omitempty"`
	Errors  []service.FieldError `json:"errors,omitempty"`
}

func successResponse(data any, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

// errorResponse hides the error text of server faults.
func errorResponse(err error, statusCode int, message string) Response {
	resp := Response{Success: false, Message: message}
	if statusCode >= http.StatusInternalServerError && statusCode != http.StatusBadGateway {
		resp.Error = "internal server error"
	} else if err != nil {
		resp.Error = err.Error()
	}

	var verr *service.ValidationError
	if errors.As(err, &verr) {
		resp.Errors = verr.Fields
	}
	return resp
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch otp.KindOf(err) {
	case otp.KindRestriction, otp.KindThrottle:
		return http.StatusTooManyRequests
	case otp.KindInvalid, otp.KindExpired:
		return http.StatusBadRequest
	case otp.KindLockout:
		return http.StatusLocked
	case otp.KindDelivery:
		return http.StatusBadGateway
	}

	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUserAlreadyExists), errors.Is(err, service.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrTokenRevoked),
		errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrTokenExpired),
		errors.Is(err, token.ErrWrongType):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUserInactive):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
