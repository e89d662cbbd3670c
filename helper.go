package epuck

import (
	"context"
	"time"
)

// DoFor executes f and waits for the duration
func DoFor(ctx context.Context, d time.Duration, f func() error) error {
	if err := f(); err != nil {
		return err
	}

	return sleep(ctx, d)
}

// DoWithDelay executes the given steps and waits for the given duration
// between steps, stopping at the first error
func DoWithDelay(ctx context.Context, d time.Duration, steps ...func() error) error {
	for _, f := range steps {
		if err := DoFor(ctx, d, f); err != nil {
			return err
		}
	}

	return nil
}
