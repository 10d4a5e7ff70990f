package client

import (
	"fmt"
	"unicode/utf8"
)

// Limits applied to outbound message text.
const (
	MaxTextBytes = 4096 // frame budget for one text message
	MaxTextChars = 2000 // characters, counted as runes
)

// validateText checks outbound message text before it is emitted.
func validateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("client: message text is empty")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("client: message contains invalid UTF-8")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("client: message exceeds %d byte limit", MaxTextBytes)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextChars {
		return fmt.Errorf("client: message has %d characters, limit is %d", n, MaxTextChars)
	}
	return nil
}
