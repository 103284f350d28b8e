package models

import (
	"encoding/json"
	"fmt"
)

// ChatType is the mode a session is currently in.
type ChatType string

const (
	ChatTypeRoom    ChatType = "Room"
	ChatTypeDirect  ChatType = "Direct"
	ChatTypeWhisper ChatType = "Whisper"
	// ChatTypeNoPrevious marks a first join where there is no channel to leave.
	ChatTypeNoPrevious ChatType = "NoPreviousChatType"
)

func (c ChatType) Valid() bool {
	switch c {
	case ChatTypeRoom, ChatTypeDirect, ChatTypeWhisper, ChatTypeNoPrevious:
		return true
	}
	return false
}

func (c *ChatType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !ChatType(s).Valid() {
		return fmt.Errorf("unknown chat type %q", s)
	}
	*c = ChatType(s)
	return nil
}

// MessageType selects how a message is formatted and colored.
type MessageType string

const (
	MessageTypeRoom    MessageType = "Room"
	MessageTypeDirect  MessageType = "Direct"
	MessageTypeWhisper MessageType = "Whisper"
	MessageTypeServer  MessageType = "Server"
)

func (m MessageType) Valid() bool {
	switch m {
	case MessageTypeRoom, MessageTypeDirect, MessageTypeWhisper, MessageTypeServer:
		return true
	}
	return false
}

func (m *MessageType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !MessageType(s).Valid() {
		return fmt.Errorf("unknown message type %q", s)
	}
	*m = MessageType(s)
	return nil
}

// Color returns the client rendering tag for the message type.
func (m MessageType) Color() string {
	switch m {
	case MessageTypeDirect:
		return ColorBlue
	case MessageTypeWhisper:
		return ColorPink
	case MessageTypeServer:
		return ColorGreen
	default:
		return ColorWhite
	}
}

const (
	ColorBlue  = "blue"
	ColorWhite = "white"
	ColorPink  = "pink"
	ColorGreen = "green"
)

// QueueMessage is the event carried over the shared pub/sub channel.
// Recipient is a room name, a direct channel name or a username depending on
// ChatType.
type QueueMessage struct {
	Sender      string      `json:"sender"`
	ChatType    ChatType    `json:"chat_type"`
	MessageType MessageType `json:"msg_type"`
	Recipient   string      `json:"recipient"`
	Body        string      `json:"msg"`
}

// Message is the single outbound unit written to a client.
type Message struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// Notice builds a server-colored message for the local connection.
func Notice(format string, v ...interface{}) Message {
	text := format
	if len(v) > 0 {
		text = fmt.Sprintf(format, v...)
	}
	return Message{Text: text, Color: ColorGreen}
}
