package presence

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	UsersOnlineKey      = "USERS_ONLINE"
	RoomsKey            = "ROOMS"
	RoomUsersSuffix     = "_ROOM_ONLINE_USERS_SET"
	LeaseKeyPrefix      = "PRESENCE_LEASE:"
	ChatMessagesChannel = "CHAT_MESSAGES"
)

// removeStaleScript drops a user from the online set only when its lease key
// is gone. KEYS[1] is the online set, KEYS[2] the lease key.
var removeStaleScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
return redis.call("SREM", KEYS[1], ARGV[1])
`)

func roomKey(room string) string {
	return room + RoomUsersSuffix
}

func leaseKey(username string) string {
	return LeaseKeyPrefix + username
}

// NewRedisClient parses url and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("ping", err)
	}
	return client, nil
}

type RedisSets struct {
	client *redis.Client
}

func NewRedisSets(client *redis.Client) *RedisSets {
	return &RedisSets{client: client}
}

func (s *RedisSets) AddOnline(ctx context.Context, username string) (bool, error) {
	n, err := s.client.SAdd(ctx, UsersOnlineKey, username).Result()
	if err != nil {
		return false, unavailable("add online", err)
	}
	return n == 1, nil
}

func (s *RedisSets) RemoveOnline(ctx context.Context, username string) error {
	if err := s.client.SRem(ctx, UsersOnlineKey, username).Err(); err != nil {
		return unavailable("remove online", err)
	}
	return nil
}

func (s *RedisSets) IsOnline(ctx context.Context, username string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, UsersOnlineKey, username).Result()
	if err != nil {
		return false, unavailable("is online", err)
	}
	return ok, nil
}

func (s *RedisSets) ListOnline(ctx context.Context) ([]string, error) {
	return s.members(ctx, "list online", UsersOnlineKey)
}

func (s *RedisSets) AddToRoom(ctx context.Context, room, username string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, roomKey(room), username)
		pipe.SAdd(ctx, RoomsKey, room)
		return nil
	})
	if err != nil {
		return unavailable("add to room", err)
	}
	return nil
}

func (s *RedisSets) RemoveFromRoom(ctx context.Context, room, username string) error {
	if err := s.client.SRem(ctx, roomKey(room), username).Err(); err != nil {
		return unavailable("remove from room", err)
	}
	return nil
}

func (s *RedisSets) ListInRoom(ctx context.Context, room string) ([]string, error) {
	return s.members(ctx, "list in room", roomKey(room))
}

func (s *RedisSets) ListRooms(ctx context.Context) ([]string, error) {
	return s.members(ctx, "list rooms", RoomsKey)
}

func (s *RedisSets) ClaimLease(ctx context.Context, username string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaseKey(username), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, unavailable("claim lease", err)
	}
	return ok, nil
}

func (s *RedisSets) RefreshLease(ctx context.Context, username string, ttl time.Duration) error {
	if err := s.client.Set(ctx, leaseKey(username), time.Now().Unix(), ttl).Err(); err != nil {
		return unavailable("refresh lease", err)
	}
	return nil
}

func (s *RedisSets) HasLease(ctx context.Context, username string) (bool, error) {
	n, err := s.client.Exists(ctx, leaseKey(username)).Result()
	if err != nil {
		return false, unavailable("has lease", err)
	}
	return n > 0, nil
}

func (s *RedisSets) DropLease(ctx context.Context, username string) error {
	if err := s.client.Del(ctx, leaseKey(username)).Err(); err != nil {
		return unavailable("drop lease", err)
	}
	return nil
}

func (s *RedisSets) RemoveStale(ctx context.Context, username string) (bool, error) {
	n, err := removeStaleScript.Run(ctx, s.client, []string{UsersOnlineKey, leaseKey(username)}, username).Int()
	if err != nil {
		return false, unavailable("remove stale", err)
	}
	return n == 1, nil
}

func (s *RedisSets) members(ctx context.Context, op, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable(op, err)
	}
	sort.Strings(members)
	return members, nil
}

type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = ChatMessagesChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	// Receive blocks until the subscription is confirmed so nothing published
	// after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, unavailable("subscribe", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// NewRedisStore serves both halves of the store from one client.
func NewRedisStore(client *redis.Client) Store {
	return Combine(NewRedisSets(client), NewRedisBus(client, ChatMessagesChannel), client)
}
