package store

import (
	"os"
	"testing"

	"leafbot/internal/recurrence"
)

func mustFreq(t *testing.T, s string) recurrence.Frequency {
	t.Helper()
	f, err := recurrence.ParseFrequency(s)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func writeFile(path, data string) error {
	return os.WriteFile(path, []byte(data), 0o644)
}
