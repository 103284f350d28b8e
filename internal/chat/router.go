// Package chat holds the router: the single writer of session, room and
// direct-channel state for one server process.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"termtalk/internal/models"
	"termtalk/internal/presence"
	"termtalk/pkg/logger"
)

// Handle identifies a connection in the connection layer's registry.
type Handle string

// Deliverer hands a formatted message to the connection behind a handle.
// It must not block.
type Deliverer interface {
	Deliver(h Handle, msg models.Message) error
}

type Session struct {
	Username string
	Channel  string
	ChatType models.ChatType
	Handle   Handle
}

type Options struct {
	LeaseTTL     time.Duration
	StoreTimeout time.Duration
	MailboxSize  int
}

func (o *Options) setDefaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 1024
	}
}

type op func(ctx context.Context)

// Router owns the session registry, local room membership and direct
// channel membership. Every mutation runs on the goroutine started by Run,
// one operation at a time, in submission order.
type Router struct {
	store presence.Store
	out   Deliverer
	opts  Options

	mailbox chan op
	done    chan struct{}

	// owned by the Run goroutine
	sessions map[string]*Session
	rooms    map[string]map[string]bool
	directs  map[string]map[string]bool
}

func NewRouter(store presence.Store, out Deliverer, opts Options) *Router {
	opts.setDefaults()
	return &Router{
		store:    store,
		out:      out,
		opts:     opts,
		mailbox:  make(chan op, opts.MailboxSize),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]bool),
		directs:  make(map[string]map[string]bool),
	}
}

// Run processes the mailbox until ctx is cancelled. It must be called once.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.done)
	logger.Info("Router started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Router stopped")
			return nil
		case fn := <-r.mailbox:
			fn(ctx)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, fn op) error {
	select {
	case <-r.done:
		return ErrRouterStopped
	default:
	}
	select {
	case r.mailbox <- fn:
		return nil
	case <-r.done:
		return ErrRouterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the router goroutine and waits for its result.
func call[T any](ctx context.Context, r *Router, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	reply := make(chan result, 1)
	err := r.enqueue(ctx, func(runCtx context.Context) {
		v, err := fn(runCtx)
		reply <- result{v, err}
	})
	if err != nil {
		return zero, err
	}
	select {
	case res := <-reply:
		return res.v, res.err
	case <-r.done:
		return zero, ErrRouterStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Router) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.StoreTimeout)
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Connect admits username with a session on channel. It fails with
// ErrAlreadyLoggedIn when the user is already online, unless the existing
// online entry has no live lease, in which case it is reclaimed.
func (r *Router) Connect(ctx context.Context, username, channel string, chatType models.ChatType, h Handle) error {
	_, err := call(ctx, r, func(runCtx context.Context) (struct{}, error) {
		return struct{}{}, r.connect(runCtx, username, channel, chatType, h)
	})
	return err
}

func (r *Router) connect(ctx context.Context, username, channel string, chatType models.ChatType, h Handle) error {
	if _, ok := r.sessions[username]; ok {
		return ErrAlreadyLoggedIn
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	// lease first: an online entry without a live lease is stale
	claimed, err := r.store.ClaimLease(sctx, username, r.opts.LeaseTTL)
	if err != nil {
		return storeErr(err)
	}
	if !claimed {
		return ErrAlreadyLoggedIn
	}

	added, err := r.store.AddOnline(sctx, username)
	if err != nil {
		if dropErr := r.store.DropLease(sctx, username); dropErr != nil {
			logger.Error("Failed to roll back presence lease for %s: %v", username, dropErr)
		}
		return storeErr(err)
	}
	if !added {
		logger.Warn("Reclaiming stale presence for %s", username)
	}

	r.sessions[username] = &Session{
		Username: username,
		Channel:  channel,
		ChatType: chatType,
		Handle:   h,
	}
	logger.Info("User %s connected", username)
	return nil
}

// Disconnect removes username from the online set and drops its session.
// A disconnect for a handle that does not own the current session is ignored.
func (r *Router) Disconnect(username string, h Handle) error {
	return r.enqueue(context.Background(), func(ctx context.Context) {
		r.disconnect(ctx, username, h)
	})
}

func (r *Router) disconnect(ctx context.Context, username string, h Handle) {
	s, ok := r.sessions[username]
	if ok && s.Handle != h {
		logger.Debug("Ignoring disconnect of %s from stale handle %s", username, h)
		return
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	if err := r.store.RemoveOnline(sctx, username); err != nil {
		logger.Error("Failed to remove %s from online set: %v", username, err)
	}
	if err := r.store.DropLease(sctx, username); err != nil {
		logger.Error("Failed to drop presence lease for %s: %v", username, err)
	}
	if !ok {
		return
	}
	delete(r.sessions, username)

	switch s.ChatType {
	case models.ChatTypeRoom:
		r.leaveRoom(sctx, s.Channel, username)
		r.publish(sctx, models.QueueMessage{
			Sender:      username,
			ChatType:    models.ChatTypeRoom,
			MessageType: models.MessageTypeServer,
			Recipient:   s.Channel,
			Body:        offlineText(username, s.Channel),
		})
	case models.ChatTypeDirect:
		delete(r.directs[s.Channel], username)
	}
	logger.Info("User %s disconnected", username)
}

// JoinRoom moves username out of its previous channel and into room, and
// points the session at the room.
func (r *Router) JoinRoom(username, room string, chatType models.ChatType, prevChannel string, prevChatType models.ChatType) error {
	return r.enqueue(context.Background(), func(ctx context.Context) {
		r.joinRoom(ctx, username, room, chatType, prevChannel, prevChatType)
	})
}

func (r *Router) joinRoom(ctx context.Context, username, room string, chatType models.ChatType, prevChannel string, prevChatType models.ChatType) {
	s, ok := r.sessions[username]
	if !ok {
		logger.Error("join room %s: %s: %v", room, username, ErrSessionNotFound)
		return
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	if prevChatType == chatType && prevChannel == room {
		r.enterRoom(sctx, s, room)
		return
	}

	r.leave(sctx, s, prevChannel, prevChatType)
	r.enterRoom(sctx, s, room)
	s.Channel = room
	s.ChatType = chatType

	r.publish(sctx, models.QueueMessage{
		Sender:      username,
		ChatType:    models.ChatTypeRoom,
		MessageType: models.MessageTypeServer,
		Recipient:   room,
		Body:        roomArrivalText(username, room),
	})
}

// JoinDirect moves sender out of its previous channel and into the direct
// channel shared with recipient. The recipient's session is not moved.
func (r *Router) JoinDirect(sender, recipient, channel, prevChannel string, prevChatType models.ChatType) error {
	return r.enqueue(context.Background(), func(ctx context.Context) {
		r.joinDirect(ctx, sender, recipient, channel, prevChannel, prevChatType)
	})
}

func (r *Router) joinDirect(ctx context.Context, sender, recipient, channel, prevChannel string, prevChatType models.ChatType) {
	s, ok := r.sessions[sender]
	if !ok {
		logger.Error("join direct %s: %s: %v", channel, sender, ErrSessionNotFound)
		return
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	if !(prevChatType == models.ChatTypeDirect && prevChannel == channel) {
		r.leave(sctx, s, prevChannel, prevChatType)
	}
	if r.directs[channel] == nil {
		r.directs[channel] = make(map[string]bool)
	}
	r.directs[channel][sender] = true
	s.Channel = channel
	s.ChatType = models.ChatTypeDirect

	r.publish(sctx, models.QueueMessage{
		Sender:      sender,
		ChatType:    models.ChatTypeDirect,
		MessageType: models.MessageTypeServer,
		Recipient:   channel,
		Body:        directStartText(sender, recipient),
	})
}

func (r *Router) leave(ctx context.Context, s *Session, prevChannel string, prevChatType models.ChatType) {
	switch prevChatType {
	case models.ChatTypeRoom:
		r.leaveRoom(ctx, prevChannel, s.Username)
		r.publish(ctx, models.QueueMessage{
			Sender:      s.Username,
			ChatType:    models.ChatTypeRoom,
			MessageType: models.MessageTypeServer,
			Recipient:   prevChannel,
			Body:        roomDepartureText(s.Username, prevChannel),
		})
	case models.ChatTypeDirect:
		delete(r.directs[prevChannel], s.Username)
		r.publish(ctx, models.QueueMessage{
			Sender:      s.Username,
			ChatType:    models.ChatTypeDirect,
			MessageType: models.MessageTypeServer,
			Recipient:   prevChannel,
			Body:        directDepartureText(s.Username),
		})
	}
}

func (r *Router) enterRoom(ctx context.Context, s *Session, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]bool)
	}
	r.rooms[room][s.Username] = true
	if err := r.store.AddToRoom(ctx, room, s.Username); err != nil {
		logger.Error("Failed to add %s to room %s: %v", s.Username, room, err)
		r.deliver(s, models.Notice("Could not record that you joined room %s. Try again", room))
	}
}

func (r *Router) leaveRoom(ctx context.Context, room, username string) {
	delete(r.rooms[room], username)
	if err := r.store.RemoveFromRoom(ctx, room, username); err != nil {
		logger.Error("Failed to remove %s from room %s: %v", username, room, err)
	}
}

// UpdateSessionChannel repoints an existing session without touching
// membership.
func (r *Router) UpdateSessionChannel(ctx context.Context, username, channel string, chatType models.ChatType) error {
	_, err := call(ctx, r, func(context.Context) (struct{}, error) {
		s, ok := r.sessions[username]
		if !ok {
			return struct{}{}, fmt.Errorf("%s: %w", username, ErrSessionNotFound)
		}
		s.Channel = channel
		s.ChatType = chatType
		return struct{}{}, nil
	})
	return err
}

// Publish sends msg to every server process, this one included, through the
// presence store's pub/sub channel. Messages from one caller are published in
// order with that caller's joins.
func (r *Router) Publish(msg models.QueueMessage) error {
	return r.enqueue(context.Background(), func(ctx context.Context) {
		sctx, cancel := r.storeCtx(ctx)
		defer cancel()
		if err := r.publish(sctx, msg); err != nil {
			if s, ok := r.sessions[msg.Sender]; ok {
				r.deliver(s, models.Notice("Your message could not be sent. Try again"))
			}
		}
	})
}

func (r *Router) publish(ctx context.Context, msg models.QueueMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to encode queue message: %v", err)
		return err
	}
	if err := r.store.Publish(ctx, payload); err != nil {
		logger.Error("Failed to publish %s message from %s: %v", msg.ChatType, msg.Sender, err)
		return err
	}
	return nil
}

// RouteMessage delivers msg to the sessions on this process that should see it.
func (r *Router) RouteMessage(msg models.QueueMessage) error {
	return r.enqueue(context.Background(), func(context.Context) {
		r.route(msg)
	})
}

func (r *Router) route(msg models.QueueMessage) {
	switch msg.ChatType {
	case models.ChatTypeRoom:
		r.routeRoom(msg)
	case models.ChatTypeDirect:
		r.routeDirect(msg)
	case models.ChatTypeWhisper:
		r.routeWhisper(msg)
	default:
		logger.Warn("Dropping message from %s with chat type %s", msg.Sender, msg.ChatType)
	}
}

func (r *Router) routeRoom(msg models.QueueMessage) {
	text := chatText(msg.Sender, msg.Body)
	if msg.MessageType == models.MessageTypeServer {
		text = msg.Body
	}
	out := models.Message{Text: text, Color: msg.MessageType.Color()}

	for username := range r.rooms[msg.Recipient] {
		s, ok := r.sessions[username]
		if !ok || s.ChatType != models.ChatTypeRoom || s.Channel != msg.Recipient {
			continue
		}
		r.deliver(s, out)
	}
}

func (r *Router) routeDirect(msg models.QueueMessage) {
	channel := msg.Recipient
	format := func(s *Session) models.Message {
		text := msg.Body
		if msg.MessageType != models.MessageTypeServer {
			text = chatText(msg.Sender, msg.Body)
		}
		if s.ChatType != models.ChatTypeDirect || s.Channel != channel {
			text = directPrefix + text
		}
		return models.Message{Text: text, Color: msg.MessageType.Color()}
	}

	if peer := DirectPeer(channel, msg.Sender); peer != "" {
		if s, ok := r.sessions[peer]; ok {
			r.deliver(s, format(s))
		}
	}
	if s, ok := r.sessions[msg.Sender]; ok {
		r.deliver(s, format(s))
	}
}

func (r *Router) routeWhisper(msg models.QueueMessage) {
	out := models.Message{Text: whisperText(msg.Sender, msg.Body), Color: models.MessageTypeWhisper.Color()}
	if s, ok := r.sessions[msg.Recipient]; ok {
		r.deliver(s, out)
	}
	if msg.Recipient == msg.Sender {
		return
	}
	if s, ok := r.sessions[msg.Sender]; ok {
		r.deliver(s, out)
	}
}

func (r *Router) deliver(s *Session, msg models.Message) {
	if err := r.out.Deliver(s.Handle, msg); err != nil {
		logger.Debug("Dropped message for %s: %v", s.Username, err)
	}
}

func (r *Router) ListRooms(ctx context.Context) ([]string, error) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	return rooms, nil
}

func (r *Router) ListUsersInRoom(ctx context.Context, room string) ([]string, error) {
	users, err := r.store.ListInRoom(ctx, room)
	if err != nil {
		return nil, storeErr(err)
	}
	return users, nil
}

func (r *Router) ListUsersOnline(ctx context.Context) ([]string, error) {
	users, err := r.store.ListOnline(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	return users, nil
}

func (r *Router) IsUserOnline(ctx context.Context, username string) (bool, error) {
	online, err := r.store.IsOnline(ctx, username)
	if err != nil {
		return false, storeErr(err)
	}
	return online, nil
}

// TouchLease extends the presence lease of a connected user.
func (r *Router) TouchLease(ctx context.Context, username string) error {
	if err := r.store.RefreshLease(ctx, username, r.opts.LeaseTTL); err != nil {
		return storeErr(err)
	}
	return nil
}

// Snapshot is a copy of the router's in-memory state.
type Snapshot struct {
	Sessions map[string]Session
	Rooms    map[string][]string
	Directs  map[string][]string
}

func (r *Router) Snapshot(ctx context.Context) (Snapshot, error) {
	return call(ctx, r, func(context.Context) (Snapshot, error) {
		snap := Snapshot{
			Sessions: make(map[string]Session, len(r.sessions)),
			Rooms:    members(r.rooms),
			Directs:  members(r.directs),
		}
		for name, s := range r.sessions {
			snap.Sessions[name] = *s
		}
		return snap, nil
	})
}

func members(sets map[string]map[string]bool) map[string][]string {
	out := make(map[string][]string, len(sets))
	for name, set := range sets {
		if len(set) == 0 {
			continue
		}
		users := make([]string, 0, len(set))
		for u := range set {
			users = append(users, u)
		}
		sort.Strings(users)
		out[name] = users
	}
	return out
}

// Sweep removes online entries that have neither a session on this process
// nor a live lease. It returns the usernames it removed.
func (r *Router) Sweep(ctx context.Context) ([]string, error) {
	online, err := r.store.ListOnline(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(online) == 0 {
		return nil, nil
	}

	return call(ctx, r, func(runCtx context.Context) ([]string, error) {
		sctx, cancel := r.storeCtx(runCtx)
		defer cancel()

		var removed []string
		for _, username := range online {
			if _, ok := r.sessions[username]; ok {
				continue
			}
			stale, err := r.store.RemoveStale(sctx, username)
			if err != nil {
				return removed, storeErr(err)
			}
			if stale {
				removed = append(removed, username)
			}
		}
		return removed, nil
	})
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *Router) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := r.Sweep(ctx)
			switch {
			case errors.Is(err, ErrRouterStopped), errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				logger.Error("Presence sweep failed: %v", err)
			}
			for _, username := range removed {
				logger.Info("Swept stale presence for %s", username)
			}
		}
	}
}
