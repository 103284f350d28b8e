package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"termtalk/internal/models"
	"termtalk/internal/presence"
	"termtalk/pkg/logger"
)

// Relay feeds every event published on the shared bus back into the local
// router, which is how messages reach sessions on every process.
type Relay struct {
	bus        presence.Bus
	router     *Router
	retryDelay time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRelay(bus presence.Bus, router *Router, retryDelay time.Duration) *Relay {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Relay{
		bus:        bus,
		router:     router,
		retryDelay: retryDelay,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the first subscription is established.
func (rl *Relay) Ready() <-chan struct{} {
	return rl.ready
}

// Run subscribes to the bus and resubscribes whenever the subscription
// breaks, until ctx is cancelled.
func (rl *Relay) Run(ctx context.Context) error {
	for {
		events, err := rl.bus.Subscribe(ctx)
		if err != nil {
			logger.Error("Relay subscribe failed: %v", err)
		} else {
			rl.readyOnce.Do(func() { close(rl.ready) })
			logger.Info("Relay subscribed to chat messages")
			if err := rl.consume(ctx, events); err != nil {
				return nil
			}
			logger.Warn("Relay subscription closed, resubscribing")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rl.retryDelay):
		}
	}
}

// consume returns nil when the subscription closes and an error when the
// relay should stop.
func (rl *Relay) consume(ctx context.Context, events <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			var msg models.QueueMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				logger.Warn("Relay dropped malformed message: %v", err)
				continue
			}
			if err := rl.router.RouteMessage(msg); err != nil {
				if errors.Is(err, ErrRouterStopped) {
					return err
				}
				logger.Error("Relay failed to route message from %s: %v", msg.Sender, err)
			}
		}
	}
}
