package testproc

import (
	"bytes"
	"sync"
)

// lineWriter is an io.Writer that calls fn once per line written, without
// the trailing newline. A final unterminated line is passed to fn by Close.
type lineWriter struct {
	fn func(string) error

	mu      sync.Mutex
	partial []byte
}

func newLineWriter(fn func(string) error) *lineWriter {
	return &lineWriter{fn: fn}
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	n := len(p)
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			break
		}
		line := p[:i]
		if len(lw.partial) > 0 {
			line = append(lw.partial, line...)
			lw.partial = lw.partial[:0]
		}
		if err := lw.fn(string(line)); err != nil {
			return n, err
		}
		p = p[i+1:]
	}
	lw.partial = append(lw.partial, p...)
	return n, nil
}

func (lw *lineWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if len(lw.partial) == 0 {
		return nil
	}
	line := string(lw.partial)
	lw.partial = nil
	return lw.fn(line)
}
