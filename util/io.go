package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// closeWriter is implemented by *net.TCPConn and by SSH-forwarded
// channels; it lets one direction finish without tearing down the other.
type closeWriter interface {
	CloseWrite() error
}

// Splice shuffles bytes between two connections until both directions
// reach EOF, one side fails, or the context is cancelled.  Both
// connections are closed on return.
func Splice(ctx context.Context, a, b net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	pump := func(dst, src net.Conn) {
		defer wg.Done()
		buf := getBuf()
		defer putBuf(buf)
		_, err := io.CopyBuffer(dst, src, *buf)
		if cw, ok := dst.(closeWriter); ok && err == nil {
			cw.CloseWrite() //nolint:errcheck
		} else {
			cancel()
		}
		errCh <- err
	}

	wg.Add(2)
	go pump(a, b)
	go pump(b, a)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	a.Close()
	b.Close()
	<-done
	close(errCh)

	for err := range errCh {
		if err != nil && !isHarmless(err) {
			return err
		}
	}
	return nil
}

// isHarmless returns true for errors that are expected during shutdown.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
