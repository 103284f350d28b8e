// Package presence holds the process-external state shared by every server
// process: the set of logged-in users, per-room user sets, the room registry,
// presence leases and the pub/sub channel that carries chat events.
package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrUnavailable wraps every failure to reach the backing store.
var ErrUnavailable = errors.New("presence store unavailable")

// Sets is the key/value and set half of the store.
type Sets interface {
	// AddOnline reports whether username was newly added to the online set.
	AddOnline(ctx context.Context, username string) (bool, error)
	RemoveOnline(ctx context.Context, username string) error
	IsOnline(ctx context.Context, username string) (bool, error)
	ListOnline(ctx context.Context) ([]string, error)

	AddToRoom(ctx context.Context, room, username string) error
	RemoveFromRoom(ctx context.Context, room, username string) error
	ListInRoom(ctx context.Context, room string) ([]string, error)
	ListRooms(ctx context.Context) ([]string, error)

	// ClaimLease takes the user's lease only if no live lease exists and
	// reports whether it did.
	ClaimLease(ctx context.Context, username string, ttl time.Duration) (bool, error)
	RefreshLease(ctx context.Context, username string, ttl time.Duration) error
	HasLease(ctx context.Context, username string) (bool, error)
	DropLease(ctx context.Context, username string) error
	// RemoveStale removes username from the online set unless it holds a live
	// lease, in one step. It reports whether the user was removed.
	RemoveStale(ctx context.Context, username string) (bool, error)
}

// Bus is the publish/subscribe half of the store. Payloads are opaque.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe delivers every payload published after it returns. The channel
	// is closed when ctx is cancelled or the subscription breaks.
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

type Store interface {
	Sets
	Bus
	io.Closer
}

type combined struct {
	Sets
	Bus
	closers []io.Closer
}

// Combine joins a Sets and a Bus backed by different systems into one Store.
// Close closes the given closers in order.
func Combine(sets Sets, bus Bus, closers ...io.Closer) Store {
	return &combined{Sets: sets, Bus: bus, closers: closers}
}

func (c *combined) Close() error {
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
