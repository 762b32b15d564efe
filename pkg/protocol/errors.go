package protocol

import "fmt"

// StreamNotFoundError represents a stream lookup failure.
// It enables typed error discrimination via errors.As.
type StreamNotFoundError struct {
	StreamID string
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream %s not found", e.StreamID)
}

// ValidationError represents rejected caller input. No state is mutated
// when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GitError represents a failed git invocation against one worktree or the
// repository root.
type GitError struct {
	Dir    string
	Args   string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git -C %s %s: %v: %s", e.Dir, e.Args, e.Err, e.Stderr)
	}
	return fmt.Sprintf("git -C %s %s: %v", e.Dir, e.Args, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }
