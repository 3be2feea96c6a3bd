package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// Memory is an in-process Port.  Bytes passed to Feed are what the
// coprocessor "sends"; bytes the gateway writes are kept for Written.
// Read never blocks, matching a port whose timeout has expired.
type Memory struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	tx      bytes.Buffer
	writes  int
	closed  bool
	timeout time.Duration
	failW   error
}

// NewMemory returns an open, empty Memory port.
func NewMemory() *Memory { return &Memory{} }

// Feed queues data for the gateway to read.
func (m *Memory) Feed(data []byte) {
	m.mu.Lock()
	m.rx.Write(data)
	m.mu.Unlock()
}

// Written returns and clears everything the gateway has written.
func (m *Memory) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]byte(nil), m.tx.Bytes()...)
	m.tx.Reset()
	return out
}

// Writes counts Write calls since creation.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Pending reports how many fed bytes are still unread.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rx.Len()
}

// FailWrites makes every later Write return err.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.failW = err
	m.mu.Unlock()
}

func (m *Memory) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("port closed")
	}
	if m.rx.Len() == 0 {
		return 0, nil
	}
	return m.rx.Read(p)
}

func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("port closed")
	}
	if m.failW != nil {
		return 0, m.failW
	}
	m.writes++
	return m.tx.Write(p)
}

func (m *Memory) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	m.timeout = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
