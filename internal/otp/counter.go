package otp

import (
	"strconv"

	"go.uber.org/zap"
)

// parseCounter reads a stored counter. An absent key is 0. A value that is
// not a non-negative integer returns limit, so a corrupted counter keeps the
// identity throttled instead of silently resetting it.
func (m *Manager) parseCounter(key, raw string, found bool, limit int64) int64 {
	if !found {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		m.logger.Warn("Malformed counter, treating as exhausted",
			zap.String("key", key),
			zap.String("value", raw))
		return limit
	}
	return n
}
