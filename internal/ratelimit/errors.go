package ratelimit

import "errors"

// ErrRateLimited — потолок окна исчерпан, запрос отклонён.
var ErrRateLimited = errors.New("rate limit exceeded")
