package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}

// retryAfterSeconds rounds up and never advertises less than one second.
func retryAfterSeconds(seconds float64) string {
	value := int64(math.Ceil(seconds))
	if value < 1 {
		value = 1
	}
	return strconv.FormatInt(value, 10)
}
