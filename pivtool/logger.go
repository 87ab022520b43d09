package main

import (
	"io"

	"github.com/rs/zerolog"
)

// LogI hides ZeroLogger from bits that don't need to care about it.
type LogI interface {
	VerboseMsg(message string)
	VerboseMsgf(format string, args ...interface{})
	// InfoMsgf will only log if quiet flag is NOT set.
	InfoMsg(message string)
	InfoMsgf(format string, args ...interface{})
	DebugMsgf(format string, args ...interface{})
	DebugMsg(message string)
	IsDebugEnabled() bool
	ErrorMsg(err error, message string)
	ErrorMsgf(err error, format string, args ...interface{})
}

type NopLogger struct{}

var _ LogI = (*NopLogger)(nil)

func (n *NopLogger) VerboseMsg(string)                                       {}
func (n *NopLogger) VerboseMsgf(string, ...interface{})                      {}
func (n *NopLogger) InfoMsg(string)                                          {}
func (n *NopLogger) InfoMsgf(string, ...interface{})                         {}
func (n *NopLogger) DebugMsgf(string, ...interface{})                        {}
func (n *NopLogger) DebugMsg(string)                                         {}
func (n *NopLogger) IsDebugEnabled() bool                                    { return false }
func (n *NopLogger) ErrorMsg(error, string)                                  {}
func (n *NopLogger) ErrorMsgf(err error, format string, args ...interface{}) {}

func Nop(l LogI) LogI {
	if l == nil {
		return &NopLogger{}
	}

	return l
}

// ZeroLogger backs LogI with zerolog, writing human readable lines to w.
type ZeroLogger struct {
	log     zerolog.Logger
	verbose bool
	quiet   bool
}

var _ LogI = (*ZeroLogger)(nil)

func NewZeroLogger(w io.Writer, debug, verbose, quiet bool) *ZeroLogger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: w}).
		Level(level).
		With().Timestamp().Logger()

	return &ZeroLogger{
		log:     log,
		verbose: verbose || debug,
		quiet:   quiet,
	}
}

func (z *ZeroLogger) VerboseMsg(message string) {
	if !z.verbose {
		return
	}
	z.log.Info().Msg(message)
}

func (z *ZeroLogger) VerboseMsgf(format string, args ...interface{}) {
	if !z.verbose {
		return
	}
	z.log.Info().Msgf(format, args...)
}

func (z *ZeroLogger) InfoMsg(message string) {
	if z.quiet {
		return
	}
	z.log.Info().Msg(message)
}

func (z *ZeroLogger) InfoMsgf(format string, args ...interface{}) {
	if z.quiet {
		return
	}
	z.log.Info().Msgf(format, args...)
}

func (z *ZeroLogger) DebugMsg(message string) {
	z.log.Debug().Msg(message)
}

func (z *ZeroLogger) DebugMsgf(format string, args ...interface{}) {
	z.log.Debug().Msgf(format, args...)
}

func (z *ZeroLogger) IsDebugEnabled() bool {
	return z.log.GetLevel() <= zerolog.DebugLevel
}

func (z *ZeroLogger) ErrorMsg(err error, message string) {
	z.log.Error().Err(err).Msg(message)
}

func (z *ZeroLogger) ErrorMsgf(err error, format string, args ...interface{}) {
	z.log.Error().Err(err).Msgf(format, args...)
}
