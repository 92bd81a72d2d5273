package usecase

import (
	"errors"
	"net/http"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/classifier"
	"github.com/example/skin-check/internal/imageprocessor"
	"github.com/example/skin-check/internal/repository"
)

var (
	ErrUnsupportedImageFormat = imageprocessor.ErrUnsupportedImageFormat
	ErrModelUnavailable       = classifier.ErrModelUnavailable
	ErrNotFound               = repository.ErrNotFound
	ErrPersistence            = repository.ErrPersistence

	ErrMissingFile      = errors.New("image file is required")
	ErrFileTooLarge     = errors.New("image file is too large")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrUnauthenticated  = errors.New("authentication required")
	ErrUnauthorized     = errors.New("not allowed to access this resource")
	ErrInference        = errors.New("inference failed")
	ErrRateLimited      = errors.New("too many prediction requests")
)

type errorClass struct {
	target error
	status int
	code   string
}

// Checked in order; ErrModelUnavailable must precede ErrInference because
// an inference error may wrap it.
var errorClasses = []errorClass{
	{ErrMethodNotAllowed, http.StatusMethodNotAllowed, "MethodNotAllowed"},
	{ErrUnauthenticated, http.StatusUnauthorized, "Unauthenticated"},
	{accounts.ErrInvalidCredentials, http.StatusUnauthorized, "InvalidCredentials"},
	{ErrUnauthorized, http.StatusForbidden, "Unauthorized"},
	{accounts.ErrInactive, http.StatusForbidden, "AccountDisabled"},
	{ErrRateLimited, http.StatusTooManyRequests, "RateLimited"},
	{ErrMissingFile, http.StatusBadRequest, "MissingFile"},
	{ErrFileTooLarge, http.StatusRequestEntityTooLarge, "FileTooLarge"},
	{ErrUnsupportedImageFormat, http.StatusBadRequest, "UnsupportedImageFormat"},
	{ErrNotFound, http.StatusNotFound, "NotFound"},
	{accounts.ErrNotFound, http.StatusNotFound, "NotFound"},
	{accounts.ErrDuplicate, http.StatusConflict, "Duplicate"},
	{ErrModelUnavailable, http.StatusInternalServerError, "ModelUnavailable"},
	{ErrPersistence, http.StatusInternalServerError, "PersistenceError"},
	{ErrInference, http.StatusInternalServerError, "InferenceError"},
}

// MapHTTPStatus maps domain errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	var verr *accounts.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			return class.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns the stable error code written next to the message.
func Code(err error) string {
	var verr *accounts.ValidationError
	if errors.As(err, &verr) {
		return "ValidationError"
	}
	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			return class.code
		}
	}
	return "InternalError"
}
