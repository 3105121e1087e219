package tasks

import (
	"context"
	"time"
)

// Update is one push notification for a watched task.
type Update struct {
	State State
	// Output is the text appended since the previous update.
	Output   string
	Terminal bool
	Error    string
}

// Watch calls emit with the output so far, then with every later change,
// and returns after emitting the terminal update. A zero heartbeat disables
// keepalive updates.
func (r *Registry) Watch(ctx context.Context, id string, heartbeat time.Duration, emit func(Update) error) error {
	key := Key(id)
	subID, ch := r.out.Subscribe(key)
	defer r.out.Unsubscribe(key, subID)

	offset := 0
	pending := []byte(nil)
	flush := func() error {
		task, err := r.Get(id)
		if err != nil {
			return err
		}
		data, next := r.out.ReadFrom(key, offset)
		offset = next
		pending = append(pending, data...)
		terminal := task.State.Terminal()
		text := decodePending(&pending, terminal)
		return emit(Update{State: task.State, Output: text, Terminal: terminal, Error: task.Error})
	}

	if _, err := r.Get(id); err != nil {
		return err
	}
	var ticker *time.Ticker
	if heartbeat > 0 {
		ticker = time.NewTicker(heartbeat)
		defer ticker.Stop()
	}
	for {
		task, err := r.Get(id)
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			return flush()
		}
		if err := flush(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tickerChan(ticker):
		case _, ok := <-ch:
			if !ok {
				// the sink closes subscribers once the task is terminal
				return flush()
			}
		}
	}
}

func tickerChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
