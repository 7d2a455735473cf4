package syncx

import "context"

// WaitForAll blocks until every channel is closed or ctx is done, in which
// case it returns ctx.Err(). Values received on a channel are discarded.
func WaitForAll[C ~<-chan V, V any](ctx context.Context, channels []C) error {
	for _, ch := range channels {
		if err := waitClosed(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

func waitClosed[C ~<-chan V, V any](ctx context.Context, ch C) error {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
