// Package transcript writes an operator-facing NDJSON log of every
// assessment conversation: issued questions, answers, completion and faults.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventSessionStarted = "session_started"
	EventQuestionIssued = "question_issued"
	EventAnswerRecorded = "answer_recorded"
	EventCompleted      = "session_completed"
	EventFault          = "session_fault"
	EventResumed        = "session_resumed"
	EventAbandoned      = "session_abandoned"
)

// Event is one transcript line.
type Event struct {
	Timestamp   time.Time `json:"ts"`
	SessionID   string    `json:"session_id"`
	FrameworkID string    `json:"framework_id"`
	EventType   string    `json:"event_type"`
	Phase       string    `json:"phase,omitempty"`
	QuestionID  int       `json:"question_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentRaw  string    `json:"content_raw,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Config controls where transcripts are written.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Logger records transcript events without blocking the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Log(Event)    {}
func (noopLogger) Close() error { return nil }

// fileLogger appends events to <dir>/<framework>/<session>.ndjson and,
// optionally, to one global file. Writes happen on a single goroutine.
type fileLogger struct {
	cfg       Config
	logger    *slog.Logger
	queue     chan Event
	onDropped func()

	global *os.File

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// Option configures the file logger.
type Option func(*fileLogger)

// WithDropHook is called whenever an event is dropped because the queue is full.
func WithDropHook(fn func()) Option {
	return func(l *fileLogger) { l.onDropped = fn }
}

// New returns a Logger for cfg. A disabled config yields a no-op logger.
func New(cfg Config, logger *slog.Logger, opts ...Option) (Logger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return Nop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Enabled {
		if cfg.Dir == "" {
			return nil, errors.New("transcript dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.GlobalEnabled {
		if cfg.GlobalPath == "" {
			return nil, errors.New("transcript global path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global transcript: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues an event. When the queue is full the event is dropped.
func (l *fileLogger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ContentRaw != "" && event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Transcript queue full, dropping event",
			"session_id", event.SessionID, "event_type", event.EventType)
		if l.onDropped != nil {
			l.onDropped()
		}
	}
}

// Close drains the queue and closes open files.
func (l *fileLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()

		<-l.done
		if l.global != nil {
			err = l.global.Close()
		}
	})
	return err
}

func (l *fileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("Failed to encode transcript event", "error", err)
			continue
		}
		line = append(line, '\n')

		if l.cfg.Enabled {
			if err := l.appendSession(event, line); err != nil {
				l.logger.Warn("Failed to write session transcript",
					"session_id", event.SessionID, "error", err)
			}
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global transcript", "error", err)
			}
		}
	}
}

func (l *fileLogger) appendSession(event Event, line []byte) error {
	dir := filepath.Join(l.cfg.Dir, safeName(event.FrameworkID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(event.SessionID)+".ndjson"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeName keeps ids usable as path components.
func safeName(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07`)

// cleanForReadability strips terminal escapes and control characters from
// free text and collapses whitespace.
func cleanForReadability(raw string) string {
	s := ansiSequence.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
