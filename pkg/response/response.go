// Package response writes the JSON envelope shared by every REST endpoint:
//
//	{"success": true, "data": ...}
//	{"success": false, "error": {"code": "NOT_FOUND", "message": "..."}}
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   *Problem `json:"error,omitempty"`
}

// Problem is the error half of the envelope. Code is stable and meant for
// clients to branch on; Message is for humans.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusByCode fixes the HTTP status of each client-facing error code.
// Unknown codes are reported as 500.
var statusByCode = map[string]int{
	"BAD_REQUEST":    http.StatusBadRequest,
	"UNAUTHORIZED":   http.StatusUnauthorized,
	"FORBIDDEN":      http.StatusForbidden,
	"NOT_FOUND":      http.StatusNotFound,
	"CONFLICT":       http.StatusConflict,
	"CALL_FULL":      http.StatusConflict,
	"TOO_LARGE":      http.StatusRequestEntityTooLarge,
	"UNAVAILABLE":    http.StatusServiceUnavailable,
	"INTERNAL_ERROR": http.StatusInternalServerError,
}

// StatusFor returns the HTTP status Fail uses for code.
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// List wraps a collection as {"items": [...], "count": n}. extra keys such as
// hasMore or total are merged alongside.
func List(c *gin.Context, items any, count int, extra ...gin.H) {
	body := gin.H{"items": items, "count": count}
	for _, h := range extra {
		for k, v := range h {
			body[k] = v
		}
	}
	OK(c, body)
}

// Fail writes an error envelope with the status mapped from code.
func Fail(c *gin.Context, code, message string) {
	c.JSON(StatusFor(code), Envelope{Error: &Problem{Code: code, Message: message}})
}

// Abort is Fail for middleware: the remaining handlers are skipped.
func Abort(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(StatusFor(code), Envelope{Error: &Problem{Code: code, Message: message}})
}
