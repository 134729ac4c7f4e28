package qmerrors

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ClassifyStorage translates an underlying Redis/storage failure into a
// classified QMError. It is the single classification point the storage
// adapter funnels every command through.
func ClassifyStorage(operation string, err error) *QMError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, redis.Nil):
		return New(KindNotFound, operation, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return New(KindTimeout, operation, err)
	default:
		return New(KindStorage, operation, err)
	}
}
