package packagekit

import (
	"context"
	"fmt"
)

// Run issues one operation on an idle session and waits for it to finish.
// Events other than FinishedEvent are dropped. It is meant for short
// queries made outside a task's event loop.
func Run(ctx context.Context, s Session, issue func(ctx context.Context) error) (*FinishedEvent, error) {
	if err := s.Reset(); err != nil {
		return nil, err
	}
	if err := issue(ctx); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			s.Cancel(context.Background()) //nolint:errcheck
			return nil, ctx.Err()
		case ev := <-s.Events():
			fin, ok := ev.(*FinishedEvent)
			if !ok {
				continue
			}
			if fin.Err != nil {
				return fin, fin.Err
			}
			if fin.Exit != ExitSuccess {
				return fin, fmt.Errorf("%s finished with %s", fin.Role, fin.Exit)
			}
			return fin, nil
		}
	}
}
