package natsserver

import "github.com/rs/zerolog"

// serverLog routes the embedded server's log lines into the daemon's logger.
type serverLog struct {
	log zerolog.Logger
}

func newServerLog(l zerolog.Logger) *serverLog {
	return &serverLog{log: l.With().Str("component", "nats-server").Logger()}
}

func (s *serverLog) Noticef(format string, v ...any) { s.log.Info().Msgf(format, v...) }
func (s *serverLog) Warnf(format string, v ...any)   { s.log.Warn().Msgf(format, v...) }
func (s *serverLog) Errorf(format string, v ...any)  { s.log.Error().Msgf(format, v...) }
func (s *serverLog) Debugf(format string, v ...any)  { s.log.Debug().Msgf(format, v...) }
func (s *serverLog) Tracef(format string, v ...any)  { s.log.Trace().Msgf(format, v...) }

// Fatalf never exits; cmdqd owns process shutdown.
func (s *serverLog) Fatalf(format string, v ...any) {
	s.log.Error().Bool("fatal", true).Msgf(format, v...)
}
