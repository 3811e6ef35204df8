package apperr

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentrelay/gateway/internal/logger"
)

// ErrorHandler converts any AppError left on the Gin context into the
// canonical REST error envelope and logs it at a severity matching its
// status code.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()
		log := logger.HTTP()

		appErr, ok := err.Err.(*AppError)
		if !ok {
			log.Error().Err(err.Err).Msg("unhandled error")
			writeEnvelope(c, Internal("an unexpected error occurred"))
			return
		}

		if appErr.StatusCode >= 500 {
			log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
		} else {
			log.Warn().Str("code", appErr.Code).Msg(appErr.Message)
		}
		writeEnvelope(c, appErr)
	}
}

// Recovery recovers from panics in HTTP handlers and reports them as a
// standard internal-error envelope instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.HTTP().Error().Interface("panic", r).Msg("recovered from panic")
				writeEnvelope(c, Internal("an unexpected error occurred"))
				c.Abort()
			}
		}()
		c.Next()
	}
}

func writeEnvelope(c *gin.Context, appErr *AppError) {
	resp := appErr.ToResponse()
	resp.CorrelationID = requestID(c)
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	c.JSON(appErr.StatusCode, gin.H{"error": resp})
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return uuid.NewString()
}

// HandleError reports err on the Gin context (picked up by ErrorHandler
// if installed) and writes the envelope immediately.
func HandleError(c *gin.Context, err error) {
	appErr, ok := err.(*AppError)
	if !ok {
		appErr = Internal(err.Error())
	}
	c.Error(appErr)
	writeEnvelope(c, appErr)
}

// AbortWithError aborts the request with the given AppError's envelope.
func AbortWithError(c *gin.Context, err *AppError) {
	c.Error(err)
	resp := err.ToResponse()
	resp.CorrelationID = requestID(c)
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	c.AbortWithStatusJSON(err.StatusCode, gin.H{"error": resp})
}
