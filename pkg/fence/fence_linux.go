//go:build linux

package fence

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileFence wraps a sync-file descriptor exported by a GPU driver. The
// fd becomes readable when the fence signals. FileFence takes ownership
// of the descriptor and closes it once signaled.
type FileFence struct {
	mu         sync.Mutex
	fd         int
	signalTime int64
	resolved   bool
	broken     bool
	now        func() int64
}

// NewFileFence wraps fd. The now function supplies the monotonic clock
// used to stamp the observed signal time; nil uses the wall clock.
func NewFileFence(fd int, now func() int64) *FileFence {
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	return &FileFence{fd: fd, now: now}
}

// pollLocked checks the fd, waiting up to timeoutMs (0 does not block,
// negative waits indefinitely), and records the signal time on the
// first readable observation. Caller holds f.mu.
func (f *FileFence) pollLocked(timeoutMs int) {
	if f.resolved {
		return
	}
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		f.resolved = true
		f.broken = true
		_ = unix.Close(f.fd)
		return
	}
	if n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
		f.resolved = true
		f.broken = fds[0].Revents&unix.POLLERR != 0
		f.signalTime = f.now()
		_ = unix.Close(f.fd)
	}
}

func (f *FileFence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollLocked(0)
	return f.resolved && !f.broken
}

func (f *FileFence) SignalTime() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollLocked(0)
	if !f.resolved {
		return SignalTimePending
	}
	if f.broken {
		return SignalTimeInvalid
	}
	return f.signalTime
}

func (f *FileFence) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		ms := -1
		if timeout > 0 {
			remain := time.Until(deadline)
			if remain < 0 {
				remain = 0
			}
			ms = int(remain / time.Millisecond)
		}
		f.pollLocked(ms)
		resolved := f.resolved
		f.mu.Unlock()
		if resolved {
			return nil
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return ErrWaitTimeout
		}
	}
}
