// Package diag keeps a bounded in-memory log of bridge traffic for the
// status console.  Lines look like "[1234] -> 0a 1b" for client to
// serial and "[1234] <- 0a" for serial to clients.
package diag

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// DefaultCapacity is the number of lines kept before the oldest is evicted.
const DefaultCapacity = 512

// Direction of a logged batch.
type Direction int

const (
	ToSerial Direction = iota
	FromSerial
)

func (d Direction) arrow() string {
	if d == ToSerial {
		return "->"
	}
	return "<-"
}

// Ring is a fixed-capacity FIFO of diagnostic lines.  It is written by
// the control loop and read by HTTP handlers.
type Ring struct {
	mu    sync.Mutex
	lines []string
	head  int
	full  bool
}

// NewRing returns a ring holding up to capacity lines.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{lines: make([]string, capacity)}
}

// Traffic appends a hex dump line for data moving in dir at ms.
func (r *Ring) Traffic(ms uint32, dir Direction, data []byte) {
	if r == nil || len(data) == 0 {
		return
	}
	r.Add(fmt.Sprintf("[%d] %s %s", ms, dir.arrow(), hexBytes(data)))
}

// Notef appends a free-form line stamped with ms.
func (r *Ring) Notef(ms uint32, format string, args ...interface{}) {
	if r == nil {
		return
	}
	r.Add(fmt.Sprintf("[%d] ", ms) + fmt.Sprintf(format, args...))
}

// Add appends a raw line, evicting the oldest when full.
func (r *Ring) Add(line string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.head == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Lines returns the buffered lines oldest first.
func (r *Ring) Lines() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.head]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.head:]...)
	return append(out, r.lines[:r.head]...)
}

// Len reports the number of buffered lines.
func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.head
}

// String joins the buffered lines with newlines.
func (r *Ring) String() string {
	lines := r.Lines()
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Clear drops every buffered line.
func (r *Ring) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	for i := range r.lines {
		r.lines[i] = ""
	}
	r.head, r.full = 0, false
	r.mu.Unlock()
}

func hexBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	buf := make([]byte, 2)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		hex.Encode(buf, []byte{c})
		sb.Write(buf)
	}
	return sb.String()
}
