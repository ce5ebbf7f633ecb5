package delivery

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes messages to the log instead of delivering them. Development only.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Log.Info().
		Str("channel", string(msg.Channel)).
		Str("to", msg.To).
		Str("title", msg.Title).
		Msg(msg.Body)
	return nil
}
