package validation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/metrics"
)

// RequestSizeMiddleware caps request bodies at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// BindJSON decodes the body into dst. On failure it writes 400, or 413 when
// the body was over the size cap, and returns false.
func BindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.Set(metrics.ErrorCodeKey, "request_too_large")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "request_too_large",
			"message": "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
		})
		return false
	}
	c.Set(metrics.ErrorCodeKey, "invalid_input")
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "Invalid request body"})
	return false
}

// QueryInt reads an integer query parameter. Missing or malformed values
// yield def.
func QueryInt(c *gin.Context, name string, def int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return n
}

// RespondError writes {"error": code, "message": detail} with the status
// err's fault kind maps to. Infrastructure faults are logged, and a 500
// hides its detail from the client.
func RespondError(c *gin.Context, err error) {
	status, code := faults.Status(err), faults.Code(err)
	c.Set(metrics.ErrorCodeKey, code)

	body := gin.H{"error": code, "message": err.Error()}
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		body["details"] = verrs
	}
	if !faults.IsBusiness(err) {
		logging.L(c.Request.Context()).Error("request failed",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"error", err,
		)
		if status == http.StatusInternalServerError {
			body["message"] = "internal error"
		}
	}
	c.JSON(status, body)
}
