package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"termtalk/internal/chat"
	"termtalk/internal/models"
	"termtalk/pkg/logger"
)

// Router is the part of the chat router a connection talks to.
type Router interface {
	Connect(ctx context.Context, username, channel string, chatType models.ChatType, h chat.Handle) error
	Disconnect(username string, h chat.Handle) error
	JoinRoom(username, room string, chatType models.ChatType, prevChannel string, prevChatType models.ChatType) error
	JoinDirect(sender, recipient, channel, prevChannel string, prevChatType models.ChatType) error
	Publish(msg models.QueueMessage) error
	ListRooms(ctx context.Context) ([]string, error)
	ListUsersInRoom(ctx context.Context, room string) ([]string, error)
	ListUsersOnline(ctx context.Context) ([]string, error)
	IsUserOnline(ctx context.Context, username string) (bool, error)
	TouchLease(ctx context.Context, username string) error
}

// Session is one connection's view of where its user is.
type Session struct {
	Username string
	Handle   chat.Handle
	Channel  string
	ChatType models.ChatType
}

const (
	unavailableText = "The server could not complete that request. Try again"
	notSentText     = "Your message could not be sent. Try again"

	joinUsage    = "/j | /join command requires that you pass in a room name as an argument. Try again"
	directUsage  = "/d | /direct command requires that you pass in a username as an argument. Try again"
	whisperUsage = "/w | /whisper command requires that you pass in a username as an argument followed by a message. Try again"
)

var helpLines = []string{
	"Choose from one of the following commands:",
	"/whoami - username and current channel",
	"/r /rooms - list existing rooms",
	"/o /online - which users are online",
	"/h /here - list users in current room",
	"/j /join (room) - join or create a room",
	"/d /direct (user) - direct chat with a user",
	"/w /whisper (user) (message) - whisper to a user",
	"/help - view this list of commands",
}

// ChatService turns a connection's text lines into router calls.
type ChatService struct {
	router      Router
	defaultRoom string
}

func NewChatService(router Router, defaultRoom string) *ChatService {
	return &ChatService{
		router:      router,
		defaultRoom: defaultRoom,
	}
}

// Connect logs username in and places it in the default room.
func (s *ChatService) Connect(ctx context.Context, username string, h chat.Handle) (*Session, error) {
	if err := s.router.Connect(ctx, username, s.defaultRoom, models.ChatTypeRoom, h); err != nil {
		return nil, err
	}

	sess := &Session{
		Username: username,
		Handle:   h,
		ChatType: models.ChatTypeNoPrevious,
	}
	if err := s.router.JoinRoom(username, s.defaultRoom, models.ChatTypeRoom, sess.Channel, sess.ChatType); err != nil {
		if dcErr := s.router.Disconnect(username, h); dcErr != nil {
			logger.Warn("Rollback of %s not processed: %v", username, dcErr)
		}
		return nil, err
	}
	sess.Channel = s.defaultRoom
	sess.ChatType = models.ChatTypeRoom
	return sess, nil
}

func (s *ChatService) Disconnect(sess *Session) {
	if err := s.router.Disconnect(sess.Username, sess.Handle); err != nil {
		logger.Warn("Disconnect of %s not processed: %v", sess.Username, err)
	}
}

// Heartbeat extends the user's presence lease.
func (s *ChatService) Heartbeat(ctx context.Context, sess *Session) error {
	return s.router.TouchLease(ctx, sess.Username)
}

// Handle runs one inbound line and returns the notices for the sender's own
// connection.
func (s *ChatService) Handle(ctx context.Context, sess *Session, line string) []models.Message {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	cmd, ok := ParseCommand(line)
	if !ok {
		return s.say(sess, line)
	}

	switch cmd.Name {
	case "/whoami":
		return notices(whoAmI(sess))
	case "/r", "/rooms":
		return s.list(ctx, "List of Existing Rooms", s.router.ListRooms)
	case "/o", "/online":
		return s.list(ctx, "Users currently online", s.router.ListUsersOnline)
	case "/h", "/here":
		return s.here(ctx, sess)
	case "/j", "/join":
		return s.join(sess, cmd)
	case "/d", "/direct":
		return s.direct(ctx, sess, cmd)
	case "/w", "/whisper":
		return s.whisper(ctx, sess, cmd)
	case "/help":
		return notices(helpLines...)
	default:
		return []models.Message{models.Notice("unknown command: %s", line)}
	}
}

func (s *ChatService) say(sess *Session, body string) []models.Message {
	var msgType models.MessageType
	switch sess.ChatType {
	case models.ChatTypeRoom:
		msgType = models.MessageTypeRoom
	case models.ChatTypeDirect:
		msgType = models.MessageTypeDirect
	default:
		return notices("Join a room or start a direct chat first")
	}

	err := s.router.Publish(models.QueueMessage{
		Sender:      sess.Username,
		ChatType:    sess.ChatType,
		MessageType: msgType,
		Recipient:   sess.Channel,
		Body:        body,
	})
	if err != nil {
		logger.Error("Failed to submit message from %s: %v", sess.Username, err)
		return notices(notSentText)
	}
	return nil
}

func whoAmI(sess *Session) string {
	where := ""
	switch sess.ChatType {
	case models.ChatTypeRoom:
		where = "in room " + sess.Channel
	case models.ChatTypeDirect:
		where = "directly messaging " + chat.DirectPeer(sess.Channel, sess.Username)
	}
	return fmt.Sprintf("You are %s and you are currently %s", sess.Username, where)
}

func (s *ChatService) list(ctx context.Context, header string, query func(context.Context) ([]string, error)) []models.Message {
	items, err := query(ctx)
	if err != nil {
		logger.Error("%s: %v", header, err)
		return notices(unavailableText)
	}
	return notices(append([]string{header}, items...)...)
}

func (s *ChatService) here(ctx context.Context, sess *Session) []models.Message {
	const header = "List of who is here"
	if sess.ChatType == models.ChatTypeDirect {
		users := []string{sess.Username, chat.DirectPeer(sess.Channel, sess.Username)}
		sort.Strings(users)
		return notices(append([]string{header}, users...)...)
	}
	return s.list(ctx, header, func(ctx context.Context) ([]string, error) {
		return s.router.ListUsersInRoom(ctx, sess.Channel)
	})
}

func (s *ChatService) join(sess *Session, cmd Command) []models.Message {
	room := cmd.Arg
	if cmd.Args != 1 || room == "" {
		return notices(joinUsage)
	}
	if sess.ChatType == models.ChatTypeRoom && sess.Channel == room {
		return []models.Message{models.Notice("You are already in room %s", room)}
	}

	if err := s.router.JoinRoom(sess.Username, room, models.ChatTypeRoom, sess.Channel, sess.ChatType); err != nil {
		logger.Error("Join room %s by %s failed: %v", room, sess.Username, err)
		return notices(unavailableText)
	}
	sess.Channel = room
	sess.ChatType = models.ChatTypeRoom
	return nil
}

func (s *ChatService) direct(ctx context.Context, sess *Session, cmd Command) []models.Message {
	recipient := cmd.Arg
	if cmd.Args != 1 || recipient == "" {
		return notices(directUsage)
	}
	if recipient == sess.Username {
		return notices("You cannot direct chat yourself")
	}
	if msgs := s.requireOnline(ctx, recipient); msgs != nil {
		return msgs
	}

	channel := chat.DirectChannelName(sess.Username, recipient)
	if sess.ChatType == models.ChatTypeDirect && sess.Channel == channel {
		return []models.Message{models.Notice("You are already direct messaging user %s", recipient)}
	}

	if err := s.router.JoinDirect(sess.Username, recipient, channel, sess.Channel, sess.ChatType); err != nil {
		logger.Error("Direct chat %s by %s failed: %v", channel, sess.Username, err)
		return notices(unavailableText)
	}
	sess.Channel = channel
	sess.ChatType = models.ChatTypeDirect
	return nil
}

func (s *ChatService) whisper(ctx context.Context, sess *Session, cmd Command) []models.Message {
	recipient := cmd.Arg
	if cmd.Args != 2 || recipient == "" {
		return notices(whisperUsage)
	}
	if recipient == sess.Username {
		return notices("You cannot whisper to yourself")
	}
	if msgs := s.requireOnline(ctx, recipient); msgs != nil {
		return msgs
	}

	err := s.router.Publish(models.QueueMessage{
		Sender:      sess.Username,
		ChatType:    models.ChatTypeWhisper,
		MessageType: models.MessageTypeWhisper,
		Recipient:   recipient,
		Body:        cmd.Rest,
	})
	if err != nil {
		logger.Error("Failed to submit whisper from %s: %v", sess.Username, err)
		return notices(notSentText)
	}
	return nil
}

// requireOnline returns the notice to send back when username cannot be
// reached, or nil when it is online.
func (s *ChatService) requireOnline(ctx context.Context, username string) []models.Message {
	online, err := s.router.IsUserOnline(ctx, username)
	if err != nil {
		logger.Error("Online check for %s failed: %v", username, err)
		return notices(unavailableText)
	}
	if !online {
		return []models.Message{models.Notice("User %s is not currently online. Try again", username)}
	}
	return nil
}

func notices(lines ...string) []models.Message {
	msgs := make([]models.Message, 0, len(lines))
	for _, line := range lines {
		msgs = append(msgs, models.Message{Text: line, Color: models.ColorGreen})
	}
	return msgs
}
