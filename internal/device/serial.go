package device

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pathhole/internal/model"

	serial "go.bug.st/serial"
)

type lineResult struct {
	line string
	err  error
}

// LineDevice implements Device over any byte stream. A single goroutine
// reads lines ahead into a small buffer.
type LineDevice struct {
	rwc   io.ReadWriteCloser
	lines chan lineResult
	wmu   sync.Mutex

	once   sync.Once
	closed chan struct{}
}

// NewLineDevice wraps rwc and starts reading from it.
func NewLineDevice(rwc io.ReadWriteCloser) *LineDevice {
	d := &LineDevice{
		rwc:    rwc,
		lines:  make(chan lineResult, 64),
		closed: make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// OpenSerial opens the serial port in cfg.
func OpenSerial(cfg model.SerialConfig) (*LineDevice, error) {
	p, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial %s: %w", cfg.Device, err)
	}
	return NewLineDevice(p), nil
}

// Ports lists the serial ports present on this host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

func (d *LineDevice) readLoop() {
	r := bufio.NewReader(d.rwc)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			select {
			case d.lines <- lineResult{line: line}:
			case <-d.closed:
				return
			}
		}
		if err != nil {
			select {
			case d.lines <- lineResult{err: err}:
			case <-d.closed:
			}
			return
		}
	}
}

func (d *LineDevice) ReadLine(timeout time.Duration) (string, error) {
	var after <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		after = t.C
	}
	select {
	case res := <-d.lines:
		if res.err != nil {
			// keep reporting the terminal error
			d.lines <- res
		}
		return res.line, res.err
	case <-after:
		return "", ErrTimeout
	case <-d.closed:
		return "", ErrClosed
	}
}

func (d *LineDevice) WriteLine(s string) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	_, err := io.WriteString(d.rwc, s+"\n")
	return err
}

func (d *LineDevice) Close() error {
	var err error
	d.once.Do(func() {
		close(d.closed)
		err = d.rwc.Close()
	})
	return err
}
