package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger used across the gateway and client.
func Setup(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(level))

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// TurnLogger tracks a single streamed conversation turn.
type TurnLogger struct {
	logger    zerolog.Logger
	startTime time.Time
	fragments int
	bytes     int
}

// StartTurn returns a logger scoped to one thread/resource exchange.
func StartTurn(base zerolog.Logger, threadID, resourceID string) *TurnLogger {
	return &TurnLogger{
		logger: base.With().
			Str("thread_id", threadID).
			Str("resource_id", resourceID).
			Logger(),
		startTime: time.Now(),
	}
}

// Logger exposes the scoped logger.
func (t *TurnLogger) Logger() *zerolog.Logger {
	return &t.logger
}

// Fragment records one relayed fragment.
func (t *TurnLogger) Fragment(size int) {
	t.fragments++
	t.bytes += size
}

// Finish logs the turn summary. A nil err means the stream completed normally.
func (t *TurnLogger) Finish(err error) {
	ev := t.logger.Info()
	if err != nil {
		ev = t.logger.Warn().Err(err)
	}
	ev.Int("fragments", t.fragments).
		Int("bytes", t.bytes).
		Dur("duration", time.Since(t.startTime)).
		Msg("stream turn finished")
}
