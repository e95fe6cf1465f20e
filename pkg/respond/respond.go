// Package respond implements the JSON response envelope used by every API
// endpoint: {"status": "success", "data": ...} on success and
// {"status": "error", "message": ...} on failure.
package respond

import (
	"github.com/labstack/echo/v4"
)

// Envelope is the wire shape of every API response.
type Envelope struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Success writes a success envelope with the given HTTP status code.
func Success(c echo.Context, code int, data interface{}) error {
	return c.JSON(code, Envelope{Status: "success", Data: data})
}

// SuccessMessage writes a success envelope carrying a message instead of data.
func SuccessMessage(c echo.Context, code int, message string) error {
	return c.JSON(code, Envelope{Status: "success", Message: message})
}

// Error writes an error envelope with the given HTTP status code.
func Error(c echo.Context, code int, message string) error {
	return c.JSON(code, Envelope{Status: "error", Message: message})
}
