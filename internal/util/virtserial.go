package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLinkTimeout is returned when socat did not create its links in time.
var ErrLinkTimeout = errors.New("virtual serial links did not appear")

// VirtualSerial runs socat processes that join two pseudo terminals, so a
// simulated vehicle can speak to the serial bridge without hardware.
type VirtualSerial struct {
	logger *zap.Logger

	mu     sync.Mutex
	cmds   []*exec.Cmd
	links  []string
	closed bool
}

// NewVirtualSerial returns an empty manager.
func NewVirtualSerial(logger *zap.Logger) *VirtualSerial {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VirtualSerial{logger: logger.Named("virt-serial")}
}

// Pair starts socat linking left and right and waits until both links exist.
func (v *VirtualSerial) Pair(ctx context.Context, left, right string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("virtual serial manager closed")
	}

	cmd := exec.Command(
		"socat", "-d", "-d",
		fmt.Sprintf("pty,raw,echo=0,link=%s", left),
		fmt.Sprintf("pty,raw,echo=0,link=%s", right),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start socat: %w", err)
	}
	v.cmds = append(v.cmds, cmd)
	v.links = append(v.links, left, right)
	v.logger.Info("socat started", zap.Int("pid", cmd.Process.Pid), zap.String("left", left), zap.String("right", right))

	return waitForLinks(ctx, 5*time.Second, left, right)
}

func waitForLinks(ctx context.Context, limit time.Duration, paths ...string) error {
	deadline := time.Now().Add(limit)
	for {
		missing := false
		for _, p := range paths {
			if _, err := os.Lstat(p); err != nil {
				missing = true
				break
			}
		}
		if !missing {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLinkTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Close stops every socat process and removes the links it created.
func (v *VirtualSerial) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true

	for _, cmd := range v.cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	}
	for _, path := range v.links {
		if _, err := os.Lstat(path); err == nil {
			_ = os.Remove(path)
		}
	}
	v.logger.Info("virtual serial closed", zap.Int("pairs", len(v.links)/2))
}
