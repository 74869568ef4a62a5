// Package apierror defines the JSON error body shared by the middleware chain,
// the authentication layer and the API handlers.
package apierror

import "github.com/labstack/echo/v4"

// Body is the JSON error shape: {"error": {"code": ..., "message": ...}}.
type Body struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New returns an echo error whose body is a Body. Echo's default error
// handler serializes it as is.
func New(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, Body{Error: Detail{Code: code, Message: message}})
}
