package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg or worker logs)
// so crash information survives the process exiting.
type SafeCommand struct {
	*exec.Cmd
	Stderr *SyncBuffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &SyncBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the process has written to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// SyncBuffer is a bytes.Buffer safe for the concurrent write (exec copier goroutine) and read (error report).
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *SyncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// --- 2. Error Reporting ---

// Output is where error reports are written. Tests swap it out.
var Output io.Writer = os.Stderr

// ShowError prints a formatted error box and dumps captured process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(Output, "\n---------------------------------------------------------\n")
	fmt.Fprintf(Output, "🚨 WALLSIGHT ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(Output, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(Output, "\nPROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(Output, "---------------------------------------------------------\n")
}

// Die is the exit strategy for failures that happen before any command can return an error.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 3. Dependency Checks ---

// CheckBinary reports whether an external tool (ffmpeg, ffprobe, python3) is on PATH.
func CheckBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return nil
}
