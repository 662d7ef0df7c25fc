// Package testutil holds helpers shared by package tests: fake engines
// written as small shell scripts, and deterministic clocks and IDs.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// RequireShell skips the test when no POSIX shell is available.
func RequireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engines need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

// Sh returns argv running body with /bin/sh. Extra args are available to
// body as $1, $2, ...
func Sh(body string, args ...string) []string {
	argv := []string{"sh", "-c", body, "sh"}
	return append(argv, args...)
}

// Script writes an executable shell script named name into a temporary
// directory and returns its path.
func Script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

// Common fake engines.
const (
	// Echo copies stdin to stdout.
	Echo = "cat"
	// CountBytes prints the number of bytes on stdin as one uint row.
	CountBytes = "wc -c | tr -d ' '"
	// Fail drains stdin, writes a diagnostic and exits 3.
	Fail = "cat >/dev/null; echo 'engine blew up' >&2; exit 3"
)
