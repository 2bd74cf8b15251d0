package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

// LogInterceptor prefixes every complete line written to it with a line
// number and a timestamp before passing it on. Partial lines are held until
// their newline arrives or Close is called.
type LogInterceptor struct {
	target  io.Writer
	pending bytes.Buffer
	line    uint64
	mu      sync.Mutex
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(i.pending.Next(idx+1), "\r\n")
		if err := i.writeLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending.Len() == 0 {
		return nil
	}
	line := append([]byte(nil), i.pending.Bytes()...)
	i.pending.Reset()
	return i.writeLine(line)
}

func (i *LogInterceptor) writeLine(line []byte) error {
	i.line++
	var b bytes.Buffer
	b.WriteString(slog.Uint64("line", i.line).String())
	b.WriteByte(' ')
	b.WriteString(slog.String("time", time.Now().Format(time.RFC3339)).String())
	b.WriteByte(' ')
	b.Write(line)
	b.WriteByte('\n')
	_, err := i.target.Write(b.Bytes())
	return err
}
