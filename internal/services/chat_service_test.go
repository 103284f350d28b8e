package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"termtalk/internal/chat"
	"termtalk/internal/models"
	"termtalk/pkg/logger"
)

type fakeRouter struct {
	online    map[string]bool
	rooms     []string
	inRoom    map[string][]string
	storeErr  error
	joinErr   error
	dcErr     error
	calls     []string
	published []models.QueueMessage
}

func newFakeRouter(online ...string) *fakeRouter {
	f := &fakeRouter{online: make(map[string]bool), inRoom: make(map[string][]string)}
	for _, u := range online {
		f.online[u] = true
	}
	return f
}

func (f *fakeRouter) Connect(_ context.Context, username, channel string, chatType models.ChatType, h chat.Handle) error {
	f.calls = append(f.calls, fmt.Sprintf("connect %s %s %s", username, channel, chatType))
	if f.online[username] {
		return chat.ErrAlreadyLoggedIn
	}
	f.online[username] = true
	return nil
}

func (f *fakeRouter) Disconnect(username string, h chat.Handle) error {
	f.calls = append(f.calls, "disconnect "+username)
	delete(f.online, username)
	return f.dcErr
}

func (f *fakeRouter) JoinRoom(username, room string, chatType models.ChatType, prevChannel string, prevChatType models.ChatType) error {
	f.calls = append(f.calls, fmt.Sprintf("join %s %s from %q %s", username, room, prevChannel, prevChatType))
	return f.joinErr
}

func (f *fakeRouter) JoinDirect(sender, recipient, channel, prevChannel string, prevChatType models.ChatType) error {
	f.calls = append(f.calls, fmt.Sprintf("direct %s %s %s from %q %s", sender, recipient, channel, prevChannel, prevChatType))
	return nil
}

func (f *fakeRouter) Publish(msg models.QueueMessage) error {
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeRouter) ListRooms(context.Context) ([]string, error) {
	return f.rooms, f.storeErr
}

func (f *fakeRouter) ListUsersInRoom(_ context.Context, room string) ([]string, error) {
	return f.inRoom[room], f.storeErr
}

func (f *fakeRouter) ListUsersOnline(context.Context) ([]string, error) {
	var users []string
	for u := range f.online {
		users = append(users, u)
	}
	return users, f.storeErr
}

func (f *fakeRouter) IsUserOnline(_ context.Context, username string) (bool, error) {
	return f.online[username], f.storeErr
}

func (f *fakeRouter) TouchLease(context.Context, string) error {
	return f.storeErr
}

func texts(msgs []models.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func connected(t *testing.T, f *fakeRouter, username string) (*ChatService, *Session) {
	t.Helper()
	svc := NewChatService(f, "lobby")
	sess, err := svc.Connect(context.Background(), username, "h1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return svc, sess
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
		ok   bool
	}{
		{"hello there", Command{}, false},
		{"/whoami", Command{Name: "/whoami"}, true},
		{"/j games", Command{Name: "/j", Arg: "games", Args: 1}, true},
		{"/w bob see you at noon", Command{Name: "/w", Arg: "bob", Rest: "see you at noon", Args: 2}, true},
		{"/j", Command{Name: "/j"}, true},
	}
	for _, tt := range tests {
		got, ok := ParseCommand(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseCommand(%q) = %+v, %v; want %+v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestConnectJoinsDefaultRoom(t *testing.T) {
	f := newFakeRouter()
	_, sess := connected(t, f, "alice")

	if sess.Channel != "lobby" || sess.ChatType != models.ChatTypeRoom {
		t.Errorf("session = %+v, want lobby/Room", sess)
	}
	want := []string{
		"connect alice lobby Room",
		`join alice lobby from "" NoPreviousChatType`,
	}
	if !reflect.DeepEqual(f.calls, want) {
		t.Errorf("calls = %q, want %q", f.calls, want)
	}
}

func TestConnectRejected(t *testing.T) {
	f := newFakeRouter("alice")
	svc := NewChatService(f, "lobby")
	if _, err := svc.Connect(context.Background(), "alice", "h2"); !errors.Is(err, chat.ErrAlreadyLoggedIn) {
		t.Fatalf("Connect error = %v, want ErrAlreadyLoggedIn", err)
	}
}

func TestConnectRollsBackWhenJoinFails(t *testing.T) {
	var out bytes.Buffer
	prev := logger.GlobalLogger
	logger.GlobalLogger = logger.New(&out, &out, logger.LevelInfo)
	t.Cleanup(func() { logger.GlobalLogger = prev })

	f := newFakeRouter()
	f.joinErr = chat.ErrRouterStopped
	f.dcErr = chat.ErrRouterStopped
	svc := NewChatService(f, "lobby")

	if _, err := svc.Connect(context.Background(), "alice", "h1"); !errors.Is(err, chat.ErrRouterStopped) {
		t.Fatalf("Connect error = %v, want ErrRouterStopped", err)
	}
	if last := f.calls[len(f.calls)-1]; last != "disconnect alice" {
		t.Errorf("last call = %q, want disconnect alice", last)
	}
	if !strings.Contains(out.String(), "Rollback of alice not processed") {
		t.Errorf("rollback failure not logged: %q", out.String())
	}
}

func TestChatTextFollowsChatType(t *testing.T) {
	f := newFakeRouter("bob")
	svc, sess := connected(t, f, "alice")
	ctx := context.Background()

	svc.Handle(ctx, sess, "  hi  ")
	svc.Handle(ctx, sess, "/d bob")
	svc.Handle(ctx, sess, "hey")
	svc.Handle(ctx, sess, "")

	want := []models.QueueMessage{
		{Sender: "alice", ChatType: models.ChatTypeRoom, MessageType: models.MessageTypeRoom, Recipient: "lobby", Body: "hi"},
		{Sender: "alice", ChatType: models.ChatTypeDirect, MessageType: models.MessageTypeDirect, Recipient: "alice_bob", Body: "hey"},
	}
	if !reflect.DeepEqual(f.published, want) {
		t.Errorf("published = %+v\nwant %+v", f.published, want)
	}
}

func TestJoinCommand(t *testing.T) {
	f := newFakeRouter()
	svc, sess := connected(t, f, "alice")
	ctx := context.Background()

	if got := texts(svc.Handle(ctx, sess, "/j lobby")); !reflect.DeepEqual(got, []string{"You are already in room lobby"}) {
		t.Errorf("/j lobby = %q", got)
	}
	if got := texts(svc.Handle(ctx, sess, "/join")); !reflect.DeepEqual(got, []string{joinUsage}) {
		t.Errorf("/join = %q", got)
	}
	if got := texts(svc.Handle(ctx, sess, "/j two words")); !reflect.DeepEqual(got, []string{joinUsage}) {
		t.Errorf("/j two words = %q", got)
	}
	if got := svc.Handle(ctx, sess, "/j games"); len(got) != 0 {
		t.Errorf("/j games = %+v, want no notice", got)
	}
	if sess.Channel != "games" || sess.ChatType != models.ChatTypeRoom {
		t.Errorf("session = %+v", sess)
	}
	if last := f.calls[len(f.calls)-1]; last != `join alice games from "lobby" Room` {
		t.Errorf("last call = %q", last)
	}
}

func TestDirectCommand(t *testing.T) {
	f := newFakeRouter("bob")
	svc, sess := connected(t, f, "alice")
	ctx := context.Background()

	tests := []struct {
		line string
		want []string
	}{
		{"/d", []string{directUsage}},
		{"/d alice", []string{"You cannot direct chat yourself"}},
		{"/d carol", []string{"User carol is not currently online. Try again"}},
		{"/direct bob", nil},
		{"/d bob", []string{"You are already direct messaging user bob"}},
		{"/whoami", []string{"You are alice and you are currently directly messaging bob"}},
		{"/h", []string{"List of who is here", "alice", "bob"}},
	}
	for _, tt := range tests {
		if got := texts(svc.Handle(ctx, sess, tt.line)); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s = %q, want %q", tt.line, got, tt.want)
		}
	}
	if sess.Channel != "alice_bob" || sess.ChatType != models.ChatTypeDirect {
		t.Errorf("session = %+v", sess)
	}

	direct := 0
	for _, c := range f.calls {
		if c == `direct alice bob alice_bob from "lobby" Room` {
			direct++
		}
	}
	if direct != 1 {
		t.Errorf("calls = %q, want one direct join", f.calls)
	}
}

func TestWhisperCommand(t *testing.T) {
	f := newFakeRouter("bob")
	svc, sess := connected(t, f, "alice")
	ctx := context.Background()

	tests := []struct {
		line string
		want []string
	}{
		{"/w bob", []string{whisperUsage}},
		{"/w alice hello me", []string{"You cannot whisper to yourself"}},
		{"/w carol hello", []string{"User carol is not currently online. Try again"}},
		{"/whisper bob meet me in games", nil},
	}
	for _, tt := range tests {
		if got := texts(svc.Handle(ctx, sess, tt.line)); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s = %q, want %q", tt.line, got, tt.want)
		}
	}

	want := []models.QueueMessage{{
		Sender:      "alice",
		ChatType:    models.ChatTypeWhisper,
		MessageType: models.MessageTypeWhisper,
		Recipient:   "bob",
		Body:        "meet me in games",
	}}
	if !reflect.DeepEqual(f.published, want) {
		t.Errorf("published = %+v, want %+v", f.published, want)
	}
}

func TestListCommands(t *testing.T) {
	f := newFakeRouter()
	f.rooms = []string{"games", "lobby"}
	f.inRoom["lobby"] = []string{"alice", "bob"}
	svc, sess := connected(t, f, "alice")
	ctx := context.Background()

	tests := []struct {
		line string
		want []string
	}{
		{"/r", []string{"List of Existing Rooms", "games", "lobby"}},
		{"/rooms", []string{"List of Existing Rooms", "games", "lobby"}},
		{"/online", []string{"Users currently online", "alice"}},
		{"/here", []string{"List of who is here", "alice", "bob"}},
		{"/whoami", []string{"You are alice and you are currently in room lobby"}},
		{"/dance now", []string{"unknown command: /dance now"}},
	}
	for _, tt := range tests {
		msgs := svc.Handle(ctx, sess, tt.line)
		if got := texts(msgs); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s = %q, want %q", tt.line, got, tt.want)
		}
		for _, m := range msgs {
			if m.Color != models.ColorGreen {
				t.Errorf("%s: color = %q, want green", tt.line, m.Color)
			}
		}
	}

	if got := svc.Handle(ctx, sess, "/help"); len(got) != len(helpLines) {
		t.Errorf("/help returned %d lines, want %d", len(got), len(helpLines))
	}
}

func TestStoreFailureBecomesNotice(t *testing.T) {
	f := newFakeRouter("bob")
	svc, sess := connected(t, f, "alice")
	f.storeErr = chat.ErrStoreUnavailable
	ctx := context.Background()

	for _, line := range []string{"/r", "/o", "/h", "/d bob", "/w bob hi"} {
		if got := texts(svc.Handle(ctx, sess, line)); !reflect.DeepEqual(got, []string{unavailableText}) {
			t.Errorf("%s = %q, want %q", line, got, unavailableText)
		}
	}
	if sess.ChatType != models.ChatTypeRoom {
		t.Errorf("session moved to %s", sess.ChatType)
	}
	if err := svc.Heartbeat(ctx, sess); !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Errorf("Heartbeat error = %v", err)
	}
}
