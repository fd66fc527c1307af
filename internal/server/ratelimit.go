package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type subjectFunc func(c *gin.Context) (string, error)

func clientIPSubject(c *gin.Context) (string, error) {
	return c.ClientIP(), nil
}

// bodyUIDSubject peeks at the "uid" field and restores the body for the handler.
func bodyUIDSubject(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.UID), nil
}

func (s *Server) rateLimit(scope string, subject subjectFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		key, err := subject(c)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}

		res, err := s.limiter.Allow(c.Request.Context(), scope, key)
		if err != nil {
			s.log.Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
			AbortWithError(c, ErrUnavailable)
			return
		}
		if !res.Allowed {
			s.log.Warn("rate limit exceeded",
				zap.String("scope", scope),
				zap.String("endpoint", c.FullPath()),
			)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
