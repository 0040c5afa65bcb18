package assistant

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/avva/pkg/core"
)

// Assistant states published as assistant.state events.
const (
	StateIdle       = "idle"
	StateListening  = "listening"
	StateProcessing = "processing"
	StateSpeaking   = "speaking"
)

// Listener captures one command, typically from speech recognition.
// io.EOF ends the loop.
type Listener interface {
	Listen(ctx context.Context) (string, error)
}

// Speaker delivers a reply to the user.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Loop drives an Assistant from a Listener to a Speaker.
type Loop struct {
	assistant *Assistant
	listener  Listener
	speaker   Speaker
	stream    bool
	idle      time.Duration
	logger    *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithStreaming makes the loop use ProcessStream.
func WithStreaming(on bool) LoopOption {
	return func(l *Loop) { l.stream = on }
}

// WithIdleDelay sets the pause after an empty capture or a listener error.
func WithIdleDelay(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.idle = d
		}
	}
}

// NewLoop creates a voice loop.
func NewLoop(a *Assistant, listener Listener, speaker Speaker, opts ...LoopOption) *Loop {
	l := &Loop{
		assistant: a,
		listener:  listener,
		speaker:   speaker,
		idle:      100 * time.Millisecond,
		logger:    a.logger.With("component", "loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run listens and answers until ctx is done or the listener reports io.EOF.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("voice loop started", "assistant", l.assistant.name, "stream", l.stream)
	defer l.logger.Info("voice loop stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.assistant.emit(ctx, core.EventAssistantState, map[string]any{"state": StateListening})
		command, err := l.listener.Listen(ctx)
		switch {
		case stderrors.Is(err, io.EOF):
			l.assistant.emit(ctx, core.EventAssistantState, map[string]any{"state": StateIdle})
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("capture failed", "error", err)
			l.assistant.emit(ctx, core.EventError, map[string]any{
				"code":          "VOICE_CAPTURE_ERROR",
				"message":       err.Error(),
				"severity":      "error",
				"retry_allowed": true,
				"context":       map[string]any{"source": "voice_capture"},
			})
			l.pause(ctx)
			continue
		case strings.TrimSpace(command) == "":
			l.assistant.emit(ctx, core.EventAssistantState, map[string]any{"state": StateIdle})
			l.pause(ctx)
			continue
		}
		l.handle(ctx, command)
	}
}

func (l *Loop) handle(ctx context.Context, command string) {
	ctx, _ = core.EnsureRequestID(ctx)
	var reply Reply
	if l.stream {
		reply = l.assistant.ProcessStream(ctx, command, nil, nil)
	} else {
		reply = l.assistant.Process(ctx, command)
	}
	if reply.Text == "" || reply.Interrupted {
		return
	}
	l.assistant.emit(ctx, core.EventAssistantState, map[string]any{"state": StateSpeaking})
	if err := l.speaker.Speak(ctx, reply.Text); err != nil {
		l.logger.Warn("speak failed", "error", err)
	}
	l.assistant.emit(ctx, core.EventAssistantState, map[string]any{"state": StateIdle})
}

func (l *Loop) pause(ctx context.Context) {
	t := time.NewTimer(l.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// LineListener reads one command per line. It stands in for speech
// recognition on terminals and in tests.
type LineListener struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	prompt  string
	out     io.Writer
}

// NewLineListener reads commands from r, writing prompt to out (if non-nil)
// before each read.
func NewLineListener(r io.Reader, out io.Writer, prompt string) *LineListener {
	return &LineListener{scanner: bufio.NewScanner(r), out: out, prompt: prompt}
}

// Listen implements Listener. The read itself is not interruptible; ctx is
// checked before it starts.
func (l *LineListener) Listen(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if l.out != nil && l.prompt != "" {
		_, _ = fmt.Fprint(l.out, l.prompt)
	}
	if !l.scanner.Scan() {
		if err := l.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return l.scanner.Text(), nil
}

// WriterSpeaker prints replies prefixed with the assistant name.
type WriterSpeaker struct {
	mu   sync.Mutex
	w    io.Writer
	name string
}

// NewWriterSpeaker creates a Speaker writing to w.
func NewWriterSpeaker(w io.Writer, name string) *WriterSpeaker {
	return &WriterSpeaker{w: w, name: name}
}

// Speak implements Speaker.
func (s *WriterSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == "" {
		_, err := fmt.Fprintln(s.w, text)
		return err
	}
	_, err := fmt.Fprintf(s.w, "%s: %s\n", s.name, text)
	return err
}
