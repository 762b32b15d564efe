package protocol_test

import (
	"errors"
	"testing"

	"streamd/pkg/protocol"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    protocol.Status
		wantErr bool
	}{
		{in: "initializing", want: protocol.StatusInitializing},
		{in: "in_progress", want: protocol.StatusInProgress},
		{in: "active", want: protocol.StatusInProgress},
		{in: "In-Progress", want: protocol.StatusInProgress},
		{in: " blocked ", want: protocol.StatusBlocked},
		{in: "ready", want: protocol.StatusReady},
		{in: "completed", want: protocol.StatusCompleted},
		{in: "archived", want: protocol.StatusArchived},
		{in: "", wantErr: true},
		{in: "done", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := protocol.ParseStatus(tt.in)
			if tt.wantErr {
				var verr *protocol.ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("ParseStatus(%q) err = %v, want *ValidationError", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStatus(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseStatus(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLockRecordSameProject(t *testing.T) {
	rec := protocol.LockRecord{ProjectRoot: "/repo", ProjectName: "repo"}
	if !rec.SameProject("/repo", "repo") {
		t.Error("expected same project")
	}
	if rec.SameProject("/repo", "other") {
		t.Error("name mismatch must not match")
	}
	if rec.SameProject("/elsewhere", "repo") {
		t.Error("root mismatch must not match")
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, et := range []protocol.EventType{
		protocol.EventConnected, protocol.EventStreams, protocol.EventCommits,
		protocol.EventStats, protocol.EventAll,
	} {
		if !et.Valid() {
			t.Errorf("%q should be valid", et)
		}
	}
	if protocol.EventType("bogus").Valid() {
		t.Error("unknown event type reported valid")
	}
}

func TestGitErrorUnwrap(t *testing.T) {
	base := errors.New("exit status 128")
	err := &protocol.GitError{Dir: "/wt", Args: "log", Stderr: "fatal: not a git repository", Err: base}
	if !errors.Is(err, base) {
		t.Error("GitError should unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("empty error text")
	}
}
