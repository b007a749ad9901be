// Package progress prints a terminal-aware live status line per worker
// slot, one line per concurrently building (repo, commit, suite, arch)
// tuple, redrawn in place with ANSI cursor movement.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Board is a fixed set of status lines refreshed in place. A Board backed
// by a non-terminal writer (or one explicitly disabled) is a no-op: all
// methods return immediately, so callers never need to branch on whether
// output is attached to a terminal.
type Board struct {
	out     io.Writer
	enabled bool

	mu         sync.Mutex
	lines      []string
	lastRedraw time.Time
}

// NewBoard constructs a Board with n status slots, all initially "idle".
// isTerminalFd should be an *os.File's Fd(); NewBoard disables redrawing
// automatically when it is not attached to a terminal.
func NewBoard(out io.Writer, isTerminalFd uintptr, n int) *Board {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "idle"
	}
	return &Board{
		out:     out,
		enabled: isatty.IsTerminal(isTerminalFd) || isatty.IsCygwinTerminal(isTerminalFd),
		lines:   lines,
	}
}

// NumSlots returns the number of status lines this board manages.
func (b *Board) NumSlots() int {
	return len(b.lines)
}

// Set updates slot idx's line and redraws the board, throttled to at most
// once per 100ms to avoid the live display itself becoming the
// bottleneck under fast-churning workers.
func (b *Board) Set(idx int, line string) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if diff := len(b.lines[idx]) - len(line); diff > 0 {
		line += strings.Repeat(" ", diff)
	}
	b.lines[idx] = line

	if time.Since(b.lastRedraw) < 100*time.Millisecond {
		return
	}
	b.redrawLocked()
}

// Redraw force-refreshes every line regardless of the throttle, padding
// short lines with trailing spaces so stale characters from a longer
// previous line never linger on screen.
func (b *Board) Redraw() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var maxLen int
	for _, line := range b.lines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	for i, line := range b.lines {
		if len(line) < maxLen {
			b.lines[i] = line + strings.Repeat(" ", maxLen-len(line))
		}
	}
	b.redrawLocked()
}

func (b *Board) redrawLocked() {
	b.lastRedraw = time.Now()
	for _, line := range b.lines {
		fmt.Fprintln(b.out, line)
	}
	fmt.Fprintf(b.out, "\033[%dA", len(b.lines)) // restore cursor position
}

// BuildLabel renders the conventional "building <repo> <commit> <suite>
// [<arch>]" status text for a worker slot.
func BuildLabel(repo, commit, suite, arch string) string {
	if arch == "" {
		return fmt.Sprintf("building %s %s %s", repo, commit, suite)
	}
	return fmt.Sprintf("building %s %s %s %s", repo, commit, suite, arch)
}
