package tui

import (
	"errors"
	"strings"

	"github.com/basket/orbital/internal/bridge"
	"github.com/basket/orbital/internal/link"
)

// humanError turns a bridge error into a one-line operator notice.
// "execute command: link: not connected" → "Not connected, command kept in history"
func humanError(op string, err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, link.ErrNotConnected):
		if op == "submit" {
			return "Not connected, command kept in history"
		}
		return "Not connected"
	case errors.Is(err, bridge.ErrNoActiveRequest):
		return "No intervention is awaiting a decision"
	}
	var pv *bridge.ProtocolViolation
	if errors.As(err, &pv) && pv.Err != nil {
		return capitalize(pv.Err.Error())
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	return capitalize(msg)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
