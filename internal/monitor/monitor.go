// Package monitor watches the environment the queue depends on: free disk
// space under the download directory and network reachability. Both watchers
// report edges only, so the queue pauses once when a resource disappears and
// resumes once when it comes back.
package monitor

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/offline_downloader/internal/logctx"
)

// statfs is swapped in tests.
var statfs = func(dir string) (free uint64, err error) {
	var st syscall.Statfs_t

	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}

	return st.Bavail * uint64(st.Bsize), nil
}

// DiskMonitor reports when free space under a directory crosses a threshold.
type DiskMonitor struct {
	dir      string
	minFree  uint64
	interval time.Duration
}

// NewDiskMonitor creates a disk space watcher for dir.
func NewDiskMonitor(dir string, minFree uint64, interval time.Duration) *DiskMonitor {
	return &DiskMonitor{dir: dir, minFree: minFree, interval: interval}
}

// Watch polls free space until the context is cancelled. onChange fires with
// low=true when space drops below the threshold and low=false when it
// recovers; the initial healthy state does not fire.
func (m *DiskMonitor) Watch(ctx context.Context, onChange func(ctx context.Context, low bool)) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	low := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			free, err := statfs(m.dir)
			if err != nil {
				logger.Warn("failed to read free disk space", "dir", m.dir, "err", err)

				continue
			}

			nowLow := free < m.minFree
			if nowLow == low {
				continue
			}

			low = nowLow

			if low {
				logger.Warn("disk space low",
					"dir", m.dir,
					"free", humanize.Bytes(free),
					"min_free", humanize.Bytes(m.minFree),
				)
			} else {
				logger.Info("disk space recovered", "dir", m.dir, "free", humanize.Bytes(free))
			}

			onChange(ctx, low)
		}
	}
}

// dialTimeout is swapped in tests.
var dialTimeout = net.DialTimeout

// ConnectivityMonitor reports when network reachability changes, based on a
// periodic TCP probe.
type ConnectivityMonitor struct {
	probeAddr string
	timeout   time.Duration
	interval  time.Duration
}

// NewConnectivityMonitor creates a reachability watcher probing addr.
func NewConnectivityMonitor(addr string, timeout, interval time.Duration) *ConnectivityMonitor {
	return &ConnectivityMonitor{probeAddr: addr, timeout: timeout, interval: interval}
}

// Watch probes until the context is cancelled. onChange fires on every edge;
// the initial connected state does not fire.
func (m *ConnectivityMonitor) Watch(ctx context.Context, onChange func(ctx context.Context, connected bool)) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	connected := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowConnected := m.probe()
			if nowConnected == connected {
				continue
			}

			connected = nowConnected

			if connected {
				logger.Info("network reachable again", "probe", m.probeAddr)
			} else {
				logger.Warn("network unreachable", "probe", m.probeAddr)
			}

			onChange(ctx, connected)
		}
	}
}

func (m *ConnectivityMonitor) probe() bool {
	conn, err := dialTimeout("tcp", m.probeAddr, m.timeout)
	if err != nil {
		return false
	}

	conn.Close()

	return true
}
