package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/protocol"
)

// Shrug is appended by /shrug.
const Shrug = `¯\_(ツ)_/¯`

// command is a parsed slash command: "/name payload...".
type command struct {
	name    string
	payload string
}

func parseCommand(text string) command {
	body := strings.TrimPrefix(strings.TrimSpace(text), "/")
	name, payload, _ := strings.Cut(body, " ")
	return command{name: name, payload: strings.TrimSpace(payload)}
}

// message fills msg for the command. Unknown commands are sent as a text
// message saying so.
func (c command) message(msg protocol.SendMessage, me model.User, now time.Time, stickerBase string) (protocol.SendMessage, error) {
	switch c.name {
	case "shrug":
		msg.Content = strings.TrimSpace(c.payload + " " + Shrug)
	case "me":
		msg.Content = fmt.Sprintf("*%s %s*", me.Username, c.payload)
	case "time":
		msg.Content = "🕒 " + now.Format("2006-01-02 15:04:05")
	case "sticker":
		if c.payload == "" {
			return msg, fmt.Errorf("client: /sticker needs a name or URL")
		}
		msg.ImageURL = stickerURL(c.payload, stickerBase)
	default:
		msg.Content = fmt.Sprintf("Command /%s not recognized", c.name)
	}
	return msg, nil
}

// stickerURL resolves a /sticker argument: absolute URLs pass through, bare
// names are joined to base when one is configured.
func stickerURL(arg, base string) string {
	if strings.HasPrefix(arg, "http") || base == "" {
		return arg
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(arg, "/")
}
