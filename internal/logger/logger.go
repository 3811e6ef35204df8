// Package logger provides the gateway's structured logging setup.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "gateway").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Hub creates a logger for pub/sub hub events (registry, fan-out, replay, acks).
func Hub() *zerolog.Logger { return component("hub") }

// Reservation creates a logger for the reservation/conflict engine.
func Reservation() *zerolog.Logger { return component("reservation") }

// Batcher creates a logger for the throttled ingest batcher.
func Batcher() *zerolog.Logger { return component("batcher") }

// Maintenance creates a logger for the maintenance coordinator.
func Maintenance() *zerolog.Logger { return component("maintenance") }

// EventLog creates a logger for the durable event log and its cleanup job.
func EventLog() *zerolog.Logger { return component("eventlog") }

// Heartbeat creates a logger for connection liveness tracking.
func Heartbeat() *zerolog.Logger { return component("heartbeat") }

// Ingest creates a logger for the NATS ingest bridge.
func Ingest() *zerolog.Logger { return component("ingest") }

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger { return component("http") }

// Database creates a logger for database connection events.
func Database() *zerolog.Logger { return component("database") }
