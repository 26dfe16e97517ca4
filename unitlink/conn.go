package unitlink

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const maxLineLength = 64 * 1024

// lineConn frames a byte stream into newline terminated lines. A reader
// goroutine hands every line to route, which returns true for lines that
// answer a pending request. Exchanges are serialized.
type lineConn struct {
	port   io.ReadWriteCloser
	logger logging.Logger
	route  func(line []byte) bool

	replies chan []byte
	done    chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

func newLineConn(port io.ReadWriteCloser, logger logging.Logger, route func(line []byte) bool) *lineConn {
	c := &lineConn{
		port:    port,
		logger:  logger,
		route:   route,
		replies: make(chan []byte, 8),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

func (c *lineConn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 1024)
	var pending []byte
	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, err := c.port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := bytes.TrimRight(pending[:i], "\r")
				pending = pending[i+1:]
				if len(line) == 0 {
					continue
				}
				c.dispatch(append([]byte(nil), line...))
			}
			if len(pending) > maxLineLength {
				c.logger.Warnf("dropping %d bytes without a line terminator", len(pending))
				pending = nil
			}
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
				c.logger.Errorf("unit link read failed: %v", err)
			}
			return
		}
	}
}

func (c *lineConn) dispatch(line []byte) {
	if c.route != nil && !c.route(line) {
		return
	}
	select {
	case c.replies <- line:
	default:
		c.logger.Warnf("dropping unsolicited reply %q", line)
	}
}

func (c *lineConn) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// exchange writes req and waits for the first reply that accept takes.
func (c *lineConn) exchange(
	ctx context.Context,
	timeout time.Duration,
	req []byte,
	accept func(reply []byte) bool,
) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	if err := c.err(); err != nil {
		return nil, errors.Wrap(err, "unit link is down")
	}

	// replies nobody waited for belong to earlier, timed out exchanges
	for drained := false; !drained; {
		select {
		case <-c.replies:
		default:
			drained = true
		}
	}

	c.logger.Debugf("unit <- %s", req)
	if _, err := c.port.Write(append(req, '\n')); err != nil {
		return nil, errors.Wrap(err, "writing to unit")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case reply := <-c.replies:
			c.logger.Debugf("unit -> %s", reply)
			if accept == nil || accept(reply) {
				return reply, nil
			}
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		}
	}
}

func (c *lineConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.port.Close()
		c.wg.Wait()
	})
	return err
}
