package apperror

import (
	"errors"
	"net/http"
)

type Code string

const (
	BadRequest    Code = "BAD_REQUEST"
	NotFound      Code = "NOT_FOUND"
	Internal      Code = "INTERNAL"
	Conflict      Code = "CONFLICT"
	Unprocessable Code = "UNPROCESSABLE"
	RateLimited   Code = "RATE_LIMITED"
)

type AppError struct {
	code    Code
	message string
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

// From converts err into an AppError. Wrapped AppErrors keep their code and
// take the full wrapped message; anything else becomes Internal.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return New(ae.code, err.Error())
	}
	return New(Internal, err.Error())
}

func (e *AppError) Error() string   { return e.message }
func (e *AppError) Code() Code      { return e.code }
func (e *AppError) Message() string { return e.message }

func (e *AppError) HTTPStatus() int {
	switch e.code {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unprocessable:
		return http.StatusUnprocessableEntity
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
