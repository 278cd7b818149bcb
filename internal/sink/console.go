package sink

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// ConsoleSink prints session document changes instead of persisting them.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink writes to w, or stdout when w is nil.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Write(handle, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "+ %s (%d bytes)\n", handle, len(content))
	return err
}

func (s *ConsoleSink) Remove(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "- %s\n", handle)
	return err
}

func (s *ConsoleSink) Close() error { return nil }
