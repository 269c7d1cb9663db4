package storage

import (
	"testing"
	"time"
)

func TestObjectName(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC)
	if got, want := ObjectName(42, at), "conversations/2026/03/07/42.json"; got != want {
		t.Errorf("ObjectName() = %q, want %q", got, want)
	}
}
