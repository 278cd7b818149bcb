// Package sink provides session.Sink realizations.
package sink

import (
	"fmt"
	"io"

	"firestige.xyz/sap/internal/config"
	"firestige.xyz/sap/internal/session"
)

// Sink is a session.Sink that holds resources.
type Sink interface {
	session.Sink
	io.Closer
}

// Open builds the sink selected by cfg.Listener.Sink.Driver.
func Open(cfg config.ListenerConfig) (Sink, error) {
	switch cfg.Sink.Driver {
	case "", config.SinkFile:
		return NewFileSink(cfg.OutputDir)
	case config.SinkSQLite:
		return NewSQLiteSink(cfg.Sink.Path)
	case config.SinkConsole:
		return NewConsoleSink(nil), nil
	default:
		return nil, fmt.Errorf("unknown sink driver: %s", cfg.Sink.Driver)
	}
}

// Discard accepts and drops every document.
type Discard struct{}

func (Discard) Write(string, string) error { return nil }
func (Discard) Remove(string) error        { return nil }
func (Discard) Close() error               { return nil }
