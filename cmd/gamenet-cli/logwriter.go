package main

import (
	"io"
	"os"
	"sync"
)

// lazyWriter writes to os.Stderr until Set names the final writer.
type lazyWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lazyWriter) Set(w io.Writer) {
	l.mu.Lock()
	l.w = w
	l.mu.Unlock()
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	w := l.w
	l.mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	return w.Write(p)
}
