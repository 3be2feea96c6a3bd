package bridge

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwbridge/config"
	"gwbridge/internal/clock"
	"gwbridge/internal/diag"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/metrics"
	"gwbridge/internal/serialport"
	"gwbridge/util"
)

type harness struct {
	srv     *Server
	port    *serialport.Memory
	ring    *diag.Ring
	metrics *metrics.Collector
	events  []Event
}

func newHarness(t *testing.T, fw config.FirewallPolicy) *harness {
	t.Helper()
	h := &harness{
		port:    serialport.NewMemory(),
		ring:    diag.NewRing(64),
		metrics: metrics.New(),
	}
	h.srv = New(Config{BindAddr: "127.0.0.1"}, h.port, util.NewLogger(0), Options{
		Clock:    clock.NewFake(1000),
		Diag:     h.ring,
		Metrics:  h.metrics,
		Firewall: fw,
		Listener: ListenerFunc(func(e Event) { h.events = append(h.events, e) }),
	})
	require.NoError(t, h.srv.Start())
	t.Cleanup(func() { h.srv.Close() }) //nolint:errcheck
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp4", h.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	return c
}

// tickUntil runs the loop until cond holds or the budget runs out.
func (h *harness) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		h.srv.Tick()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func TestServer_StartIdempotent(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	addr := h.srv.Addr().String()
	require.NoError(t, h.srv.Start())
	assert.Equal(t, addr, h.srv.Addr().String())
}

func TestServer_ClientToSerial(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	c := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })

	_, err := c.Write([]byte{0xfe, 0x00, 0x21, 0x01})
	require.NoError(t, err)

	var got []byte
	h.tickUntil(t, func() bool {
		got = append(got, h.port.Written()...)
		return len(got) == 4
	})
	assert.Equal(t, []byte{0xfe, 0x00, 0x21, 0x01}, got)
	assert.EqualValues(t, 4, h.metrics.BytesToSerial())
	assert.Contains(t, h.ring.String(), "] -> fe 00 21 01")
}

func TestServer_SerialBroadcast(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	a := h.dial(t)
	b := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 2 })

	h.port.Feed([]byte("\xfe\x01\x61"))
	h.srv.Tick()

	assert.Equal(t, []byte("\xfe\x01\x61"), readN(t, a, 3))
	assert.Equal(t, []byte("\xfe\x01\x61"), readN(t, b, 3))
	assert.Contains(t, h.ring.String(), "] <- fe 01 61")
}

func TestServer_BusyIdleExactlyOnce(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	a := h.dial(t)
	b := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 2 })
	assert.Equal(t, []Event{EventBusy}, h.events)

	a.Close() //nolint:errcheck
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })
	assert.Equal(t, []Event{EventBusy}, h.events, "one of two leaving is not idle")

	b.Close() //nolint:errcheck
	h.tickUntil(t, func() bool { return h.srv.Active() == 0 })
	assert.Equal(t, []Event{EventBusy, EventIdle}, h.events)

	for i := 0; i < 5; i++ {
		h.srv.Tick()
	}
	assert.Len(t, h.events, 2)
}

func TestServer_DisconnectReclaimedNextTick(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	c := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })

	c.Close() //nolint:errcheck
	h.tickUntil(t, func() bool {
		sl := h.srv.Slots()[0]
		return sl.Occupied() && !sl.Connected()
	})
	// Flag dropped during pump; slot still held until the next reap.
	assert.Equal(t, 1, h.srv.Active())

	h.srv.Tick()
	assert.Equal(t, 0, h.srv.Active())
	assert.False(t, h.srv.Slots()[0].Occupied())
}

func TestServer_StalledClientOnlyDropsItself(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	h.srv.cfg.WriteTimeout = 5 * time.Millisecond

	stalled := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })
	reader := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 2 })
	go io.Copy(io.Discard, reader) //nolint:errcheck

	// Small buffers so the stalled peer backs up quickly.
	require.NoError(t, stalled.(*net.TCPConn).SetReadBuffer(1024))
	require.NoError(t, h.srv.slots[0].conn.(*net.TCPConn).SetWriteBuffer(1024))

	chunk := bytes.Repeat([]byte{0x5a}, BufferSize)
	for i := 0; i < 5000 && h.srv.Slots()[0].Connected(); i++ {
		h.port.Feed(chunk)
		h.srv.Tick()
		require.True(t, h.srv.Slots()[1].Connected(), "reading client dropped at tick %d", i)
	}
	require.False(t, h.srv.Slots()[0].Connected(), "stalled client never timed out")

	h.srv.Tick()
	assert.Equal(t, 1, h.srv.Active())
	assert.True(t, h.srv.Slots()[1].Occupied())
}

func TestServer_FirewallRejects(t *testing.T) {
	fw := config.FirewallPolicy{Enabled: true, Allowed: net.ParseIP("10.9.9.9").To4()}
	h := newHarness(t, fw)
	c := h.dial(t)

	h.tickUntil(t, func() bool { return h.metrics.FirewallRejects() == 1 })

	c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, gwerrors.IsTimeout(err), "rejected connection should be closed, not left hanging")

	assert.Equal(t, 0, h.srv.Active())
	assert.Empty(t, h.events, "a rejection never changes the slot count")
	assert.Contains(t, h.ring.String(), "firewall rejected 127.0.0.1:")
}

func TestServer_FirewallAdmitsAllowed(t *testing.T) {
	fw := config.FirewallPolicy{Enabled: true, Allowed: net.ParseIP("127.0.0.1").To4()}
	h := newHarness(t, fw)
	h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })
	assert.Zero(t, h.metrics.FirewallRejects())
}

func TestServer_SetFirewallHotReload(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })

	h.srv.SetFirewall(config.FirewallPolicy{Enabled: true, Allowed: net.ParseIP("10.1.1.1").To4()})
	h.dial(t)
	h.tickUntil(t, func() bool { return h.metrics.FirewallRejects() == 1 })
	assert.Equal(t, 1, h.srv.Active(), "existing client survives a policy change")
}

func TestServer_SlotsFull(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	for i := 0; i < MaxClients; i++ {
		h.dial(t)
	}
	h.tickUntil(t, func() bool { return h.srv.Active() == MaxClients })

	extra := h.dial(t)
	h.tickUntil(t, func() bool { return h.metrics.SlotsFullRejects() == 1 })

	extra.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err := extra.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, MaxClients, h.srv.Active())
}

func TestServer_SlotOrderWithinTick(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	a := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })
	b := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 2 })
	h.port.Written()

	// Slot 1 writes first; slot 0's bytes must still lead.
	_, err := b.Write([]byte("BBB"))
	require.NoError(t, err)
	_, err = a.Write([]byte("aa"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	h.srv.Tick()
	assert.Equal(t, []byte("aaBBB"), h.port.Written())
}

func TestServer_ExactlyNConnected(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	for n := 1; n <= MaxClients; n++ {
		h.dial(t)
		h.tickUntil(t, func() bool { return h.srv.Active() == n })

		connected := 0
		for _, sl := range h.srv.Slots() {
			if sl.Connected() {
				connected++
			}
		}
		assert.Equal(t, n, connected)
	}
}

func TestServer_BackpressureNotTruncation(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	c := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })

	payload := bytes.Repeat([]byte("0123456789"), 70) // 700 bytes
	_, err := c.Write(payload)
	require.NoError(t, err)

	var got []byte
	h.tickUntil(t, func() bool {
		w := h.port.Written()
		require.LessOrEqual(t, len(w), BufferSize, "one tick moves at most one buffer per slot")
		got = append(got, w...)
		return len(got) >= len(payload)
	})
	assert.Equal(t, payload, got)
}

func TestServer_SerialDrainBounded(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	c := h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })

	h.port.Feed(bytes.Repeat([]byte{0xaa}, 600))
	h.srv.Tick()
	assert.Equal(t, 600-BufferSize, h.port.Pending())

	h.srv.Tick()
	h.srv.Tick()
	assert.Zero(t, h.port.Pending())
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 600), readN(t, c, 600))
}

func TestServer_CloseFiresIdle(t *testing.T) {
	h := newHarness(t, config.FirewallPolicy{})
	h.dial(t)
	h.tickUntil(t, func() bool { return h.srv.Active() == 1 })

	require.NoError(t, h.srv.Close())
	assert.Equal(t, []Event{EventBusy, EventIdle}, h.events)
	assert.False(t, h.srv.Listening())
	h.srv.Tick() // no-op once closed
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "busy", EventBusy.String())
	assert.True(t, strings.EqualFold("IDLE", EventIdle.String()))
}
