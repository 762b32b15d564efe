package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// startupLog prints serve's startup progress, one line per completed step.
type startupLog struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

func newStartupLog(w io.Writer, isTTY bool) *startupLog {
	return &startupLog{w: w, isTTY: isTTY}
}

// Step prints a completed step with a checkmark.
func (s *startupLog) Step(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Warn prints a step that completed with a problem worth seeing.
func (s *startupLog) Warn(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "! %s\n", fmt.Sprintf(format, args...))
}

// Track runs fn behind a spinner (static line when not a terminal) and
// prints the outcome with the elapsed time. fn's error is returned as is.
func (s *startupLog) Track(msg string, fn func() error) error {
	stop := s.spin(msg)
	start := time.Now()
	err := fn()
	stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		fmt.Fprintf(s.w, "✗ %s (%s): %v\n", msg, elapsed, err)
		return err
	}
	fmt.Fprintf(s.w, "✓ %s (%s)\n", msg, elapsed)
	return nil
}

// spin starts the spinner for msg and returns the function that clears it.
func (s *startupLog) spin(msg string) func() {
	if !s.isTTY {
		s.mu.Lock()
		fmt.Fprintf(s.w, "%s...\n", msg)
		s.mu.Unlock()
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	frames := []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%c %s", frames[i], msg)
				s.mu.Unlock()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			s.mu.Lock()
			fmt.Fprint(s.w, "\r\033[K")
			s.mu.Unlock()
		})
	}
}
