// Package obs configures logging and metrics.
package obs

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger points the global zerolog logger at stderr. pretty selects the
// console writer; otherwise lines are JSON.
func SetupLogger(level string, pretty bool) error {
	return SetupLoggerTo(os.Stderr, level, pretty)
}

func SetupLoggerTo(w io.Writer, level string, pretty bool) error {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return err
		}
		lvl = parsed
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}
