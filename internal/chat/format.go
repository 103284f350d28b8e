package chat

import (
	"fmt"
	"sort"
	"strings"
)

// DirectSeparator joins the two usernames of a direct channel. Usernames
// never contain it.
const DirectSeparator = "_"

const (
	directPrefix  = "(direct) "
	whisperPrefix = "(whisper) "
)

// DirectChannelName is the same for both participants regardless of who
// starts the conversation.
func DirectChannelName(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, DirectSeparator)
}

// DirectPeer returns the participant of channel that is not self, or "" if
// the channel has no such participant.
func DirectPeer(channel, self string) string {
	for _, user := range strings.Split(channel, DirectSeparator) {
		if user != "" && user != self {
			return user
		}
	}
	return ""
}

func roomArrivalText(user, room string) string {
	return fmt.Sprintf("User %s connected to room %s", user, room)
}

func roomDepartureText(user, room string) string {
	return fmt.Sprintf("User %s disconnected from room %s", user, room)
}

func directDepartureText(user string) string {
	return fmt.Sprintf("User %s left direct chat", user)
}

func directStartText(user, peer string) string {
	return fmt.Sprintf("User %s is direct chatting with %s", user, peer)
}

func offlineText(user, channel string) string {
	return fmt.Sprintf("User %s disconnected from %s and is now offline", user, channel)
}

func chatText(sender, body string) string {
	return sender + ": " + body
}

func whisperText(sender, body string) string {
	return whisperPrefix + sender + " " + body
}
