package app

import "github.com/gin-gonic/gin"

const (
	errorCodeValidation   = "validation_error"
	errorCodeNotFound     = "not_found"
	errorCodeUnauthorized = "unauthorized"
	errorCodeConflict     = "conflict"
	errorCodeUpstream     = "upstream_error"
	errorCodeInternal     = "internal_error"
)

func jsonError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": message,
	})
}

func abortJSONError(c *gin.Context, status int, code, message string) {
	jsonError(c, status, code, message)
	c.Abort()
}
