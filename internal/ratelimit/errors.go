package ratelimit

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrKeyTooLong is returned for raw keys longer than MaxRawKeyLength.
	ErrKeyTooLong = errors.New("ratelimit: key too long (max 512 characters)")

	// ErrRedisRequired is returned when the redis backend has no client.
	ErrRedisRequired = errors.New("ratelimit: redis backend requires a redis client")
)

// LimitedError reports a request denied by the rate limiter.
type LimitedError struct {
	Key    string
	Result Result
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: limit of %d exceeded, retry after %s", e.Result.Limit, e.Result.RetryAfter)
}

// IsLimited reports whether err is a LimitedError.
func IsLimited(err error) bool {
	var le *LimitedError
	return errors.As(err, &le)
}
