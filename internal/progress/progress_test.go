package progress

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestBoardDisabledForNonTerminalWriterIsNoop(t *testing.T) {
	var buf bytes.Buffer
	f, err := os.CreateTemp(t.TempDir(), "not-a-tty")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	b := NewBoard(&buf, f.Fd(), 3)
	b.Set(0, "building alpha c0ffee1 focal amd64")
	b.Redraw()

	if buf.Len() != 0 {
		t.Errorf("Board backed by a non-terminal fd should never write, got %q", buf.String())
	}
}

func TestBuildLabelWithAndWithoutArch(t *testing.T) {
	if got := BuildLabel("alpha", "c0ffee1", "focal", "amd64"); got != "building alpha c0ffee1 focal amd64" {
		t.Errorf("BuildLabel = %q", got)
	}
	if got := BuildLabel("alpha", "c0ffee1", "focal", ""); got != "building alpha c0ffee1 focal" {
		t.Errorf("BuildLabel (no arch) = %q", got)
	}
}

func TestRedrawPadsShorterLinesWithSpaces(t *testing.T) {
	// Force-enable via a board whose redraw path we exercise directly
	// through the enabled flag, bypassing the terminal probe so the test
	// does not depend on running under a real pty.
	b := &Board{out: &bytes.Buffer{}, enabled: true, lines: []string{"short", "a longer line"}}
	b.Redraw()
	for _, line := range b.lines {
		if len(line) != len("a longer line") {
			t.Errorf("line %q was not padded to %d", line, len("a longer line"))
		}
	}
	if !strings.HasPrefix(b.lines[0], "short") {
		t.Errorf("padded line lost its original prefix: %q", b.lines[0])
	}
}
