package unitlink

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/multierr"
)

// USB identity of the serial card cabled to the unit.
const (
	SerialCardVID = "10C4"
	SerialCardPID = "EA60"
)

// DefaultBaudRate is the unit's console speed.
const DefaultBaudRate = 115200

// readPoll bounds each blocking read so the reader notices a close.
const readPoll = 100 * time.Millisecond

// SerialConfig describes how to reach the unit's serial card.
type SerialConfig struct {
	// Port is the device path. Empty means find the single attached serial card.
	Port     string `json:"port,omitempty"`
	BaudRate int    `json:"baud_rate,omitempty"`
}

// listPorts is swapped out by tests.
var listPorts = enumerator.GetDetailedPortsList

// FindPort returns the name of the one attached serial card.
func FindPort() (string, error) {
	ports, err := listPorts()
	if err != nil {
		return "", errors.Wrap(err, "listing serial ports")
	}
	var found []string
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, SerialCardVID) && strings.EqualFold(p.PID, SerialCardPID) {
			found = append(found, p.Name)
		}
	}
	switch len(found) {
	case 0:
		return "", ErrNoSerialCard
	case 1:
		return found[0], nil
	default:
		return "", ErrTooManySerialCards
	}
}

// OpenSerial opens the unit's serial card at 8N1.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	name := cfg.Port
	if name == "" {
		var err error
		if name, err = FindPort(); err != nil {
			return nil, err
		}
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port %s", name)
	}
	if err := port.SetReadTimeout(readPoll); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "setting serial read timeout"), port.Close())
	}
	return &pollingPort{Port: port, closed: make(chan struct{})}, nil
}

// SerialDialer dials the serial card described by cfg.
func SerialDialer(cfg SerialConfig) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return OpenSerial(cfg)
	}
}

// pollingPort hides the zero length reads a read timeout produces, and turns
// reads after Close into an error so the line reader stops.
type pollingPort struct {
	serial.Port
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *pollingPort) Read(b []byte) (int, error) {
	for {
		n, err := p.Port.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
		select {
		case <-p.closed:
			return 0, ErrClosed
		default:
		}
	}
}

func (p *pollingPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.Port.Close()
	})
	return err
}
