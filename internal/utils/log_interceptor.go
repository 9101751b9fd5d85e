// Package utils provides small helpers shared by the dirsync packages.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogInterceptor implements io.Writer and prefixes every complete line with a
// sequence number and a timestamp before handing it to the target writer.
// Partial lines are held back until their newline arrives or Close is called.
type LogInterceptor struct {
	target         io.Writer
	sequenceNumber atomic.Uint64
	pending        bytes.Buffer
	mu             sync.Mutex
	now            func() time.Time
}

// NewLogInterceptor creates a new LogInterceptor writing to target
func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{
		target: target,
		now:    time.Now,
	}
}

func (i *LogInterceptor) writeFormattedLine(line []byte) error {
	lineNum := i.sequenceNumber.Add(1)

	var b bytes.Buffer
	b.WriteString(slog.Uint64("line", lineNum).String())
	b.WriteByte(' ')
	b.WriteString(slog.String("time", i.now().Format(time.RFC3339)).String())
	b.WriteByte(' ')
	b.Write(line)
	b.WriteByte('\n')

	_, err := i.target.Write(b.Bytes())
	return err
}

// Write implements io.Writer. It reports len(p) on success, as the prefixes
// added to the target are not part of the caller's payload.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(i.pending.Next(idx+1)[:idx], []byte{'\r'})
		if err := i.writeFormattedLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line, if any
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending.Len() == 0 {
		return nil
	}
	line := bytes.Clone(i.pending.Bytes())
	i.pending.Reset()
	return i.writeFormattedLine(line)
}
