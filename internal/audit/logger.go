// Package audit writes an append-only JSONL trail of lifecycle operations.
//
// Every install, update and uninstall is recorded with the state before and
// after, the outcome code and the daemon reply, whether or not it succeeded.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
)

// Entry represents a single audit log entry.
type Entry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"ts"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	StateBefore   string    `json:"stateBefore"`
	StateAfter    string    `json:"stateAfter"`
	Outcome       string    `json:"outcome"`
	Code          string    `json:"code"`
	Reply         string    `json:"reply,omitempty"`
	Error         string    `json:"error,omitempty"`
	ConfigRecords int       `json:"configRecords"`
	DurationMs    int64     `json:"durationMs"`
}

// Options controls rotation of the audit file.
type Options struct {
	MaxSizeMB  int
	MaxBackups int
}

// Logger is a lifecycle.Auditor writing one JSON object per line.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      io.WriteCloser
	now      func() time.Time
}

var _ lifecycle.Auditor = (*Logger)(nil)

// NewLogger opens (or creates) the audit file at path.
func NewLogger(path string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	return &Logger{filePath: path, out: out, now: time.Now}, nil
}

// NewWriterLogger writes entries to w without rotation.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: nopWriteCloser{w}, now: time.Now}
}

// Record implements lifecycle.Auditor.
func (l *Logger) Record(ctx context.Context, ev lifecycle.Event) {
	code := lifecycle.Code(ev.Err)
	outcome := "success"
	if ev.Err != nil {
		outcome = "failure"
	}

	entry := Entry{
		ID:            uuid.NewString(),
		Timestamp:     l.now().UTC(),
		Actor:         ActorFromContext(ctx),
		Action:        ev.Action,
		StateBefore:   ev.Before.String(),
		StateAfter:    ev.After.String(),
		Outcome:       outcome,
		Code:          code,
		Reply:         ev.Reply,
		ConfigRecords: ev.Records,
		DurationMs:    ev.Duration.Milliseconds(),
	}
	if ev.Err != nil {
		entry.Error = ev.Err.Error()
	}

	l.writeEntry(entry)
}

func (l *Logger) writeEntry(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

// FilePath returns the audit file path, or "" for writer loggers.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Close closes the audit file. Later records are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

type actorKey struct{}

// WithActor attaches the operator identity recorded by the next entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the operator identity, or "local".
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "local"
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
