package pipeline

import (
	"log/slog"

	"github.com/uktrade/postgres-audit-proxy/internal/pgwire"
)

// Logger is a pass-through stage that records every message crossing it in
// both directions. It never modifies traffic.
type Logger struct {
	edges Edges
	log   *slog.Logger
}

// NewLogger returns a logging stage. A nil logger uses slog.Default.
func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log}
}

func (l *Logger) Bind(edges Edges) { l.edges = edges }

func (l *Logger) C2SFromOutside(msgs []pgwire.Message) {
	l.logAll("client->proxy", msgs)
	l.edges.ToC2SInner(msgs)
}

func (l *Logger) C2SFromInside(msgs []pgwire.Message) {
	l.logAll("proxy->server", msgs)
	l.edges.ToC2SOuter(msgs)
}

func (l *Logger) S2CFromOutside(msgs []pgwire.Message) {
	l.logAll("server->proxy", msgs)
	l.edges.ToS2CInner(msgs)
}

func (l *Logger) S2CFromInside(msgs []pgwire.Message) {
	l.logAll("proxy->client", msgs)
	l.edges.ToS2COuter(msgs)
}

func (l *Logger) logAll(direction string, msgs []pgwire.Message) {
	for _, m := range msgs {
		typ := "startup"
		if !m.IsStartup() {
			typ = string(m.Type)
		}
		l.log.Debug("message", "direction", direction, "type", typ, "payload_bytes", len(m.Payload))
	}
}
