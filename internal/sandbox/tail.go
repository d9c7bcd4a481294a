package sandbox

import (
	"regexp"
	"sync"
)

// tailMax bounds how much combined process output a workspace retains.
const tailMax = 4096

// ansiRe matches ANSI escape sequences; npm and node colorize heavily and
// the stored tail should read as plain text.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// tailBuffer is a bounded, concurrency-safe buffer that keeps only the most
// recent output. Writes strip ANSI escape sequences.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	clean := ansiRe.ReplaceAll(p, nil)

	t.mu.Lock()
	t.buf = append(t.buf, clean...)
	if over := len(t.buf) - tailMax; over > 0 {
		t.buf = t.buf[over:]
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *tailBuffer) Reset() {
	t.mu.Lock()
	t.buf = nil
	t.mu.Unlock()
}
