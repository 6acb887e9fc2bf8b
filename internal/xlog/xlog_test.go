package xlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestStdWritesLevelTagAndMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewStd(&buf)
	l.Infof("peer %s:%d connected", "10.0.0.1", 6881)

	out := buf.String()
	if !strings.Contains(out, "INFO") {
		t.Fatalf("expected output to contain level tag INFO, got %q", out)
	}
	if !strings.Contains(out, "peer 10.0.0.1:6881 connected") {
		t.Fatalf("expected output to contain the formatted message, got %q", out)
	}
}

func TestStdMessageWithBracketsIsNotTreatedAsColorCode(t *testing.T) {
	var buf bytes.Buffer
	l := NewStd(&buf)
	// A message containing "[...]"-shaped text (e.g. a peer tag) must pass
	// through unchanged rather than being misinterpreted by colorstring as
	// an unknown color directive.
	l.Warnf("unexpected id [%d] from peer", 99)

	if !strings.Contains(buf.String(), "[99]") {
		t.Fatalf("expected literal bracketed text to survive, got %q", buf.String())
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	// Mostly documents intent: Discard must never panic and never write
	// anywhere observable.
	Discard.Infof("x")
	Discard.Warnf("x")
	Discard.Errorf("x")
}
