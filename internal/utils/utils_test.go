package utils

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestShowError(t *testing.T) {
	var out bytes.Buffer
	prev := Output
	Output = &out
	defer func() { Output = prev }()

	cmd := NewSafeCommand(context.Background(), "true")
	cmd.Stderr.Write([]byte("Traceback: model not found"))

	ShowError("Detector crashed", errors.New("broken pipe"), cmd)

	got := out.String()
	for _, want := range []string{"WALLSIGHT ERROR: Detector crashed", "DETAILS: broken pipe", "PROCESS LOGS", "model not found"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected report to contain %q, got:\n%s", want, got)
		}
	}
}

func TestShowErrorWithoutCommand(t *testing.T) {
	var out bytes.Buffer
	prev := Output
	Output = &out
	defer func() { Output = prev }()

	ShowError("Config invalid", nil, nil)

	if strings.Contains(out.String(), "DETAILS") {
		t.Error("nil error should not print a DETAILS line")
	}
	if strings.Contains(out.String(), "PROCESS LOGS") {
		t.Error("nil command should not print process logs")
	}
}

func TestSyncBuffer(t *testing.T) {
	var b SyncBuffer
	b.Write([]byte("abc"))
	b.Write([]byte("def"))
	if b.String() != "abcdef" || b.Len() != 6 {
		t.Errorf("unexpected buffer state %q (%d)", b.String(), b.Len())
	}
}

func TestCheckBinaryMissing(t *testing.T) {
	if err := CheckBinary("definitely-not-a-real-binary-wallsight"); err == nil {
		t.Error("expected an error for a missing binary")
	}
}
