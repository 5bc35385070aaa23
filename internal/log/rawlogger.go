package log

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger hex-dumps payloads crossing the host/device boundary. in=true
// is host to device.
type RawLogger interface {
	Log(in bool, data []byte)
}

type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
	// now is replaceable in tests
	now func() time.Time
}

// NewRaw returns a RawLogger writing to w. A nil w discards everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w, now: time.Now}
}

func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}
	dir := "D->H"
	if in {
		dir = "H->D"
	}
	line := fmt.Sprintf("%s %s %d bytes: % x\n", r.now().Format("2006/01/02 15:04:05.000"), dir, len(data), data)

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}
