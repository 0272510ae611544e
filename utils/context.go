package utils

import (
	"context"
	"time"
)

const DefaultTimeout = 5 * time.Minute

func NewContext() (ctx context.Context, cancel func()) {
	return NewContextWithTimeout(DefaultTimeout)
}

func NewContextWithTimeout(timeout time.Duration) (ctx context.Context, cancel func()) {
	return context.WithTimeout(context.TODO(), timeout)
}

// Sleep waits for d or until ctx is done, whichever happens first
func Sleep(ctx context.Context, d time.Duration) (err error) {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
