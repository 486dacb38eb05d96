package store

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Watch starts a best-effort inotify watch on the state directory and
// its known subdirectories. Returned notifications are coalesced; rapid
// bursts of producer writes collapse into one wakeup. If inotify cannot
// be set up (unsupported filesystem or environment) the error is
// returned and the caller degrades to its periodic timer alone.
//
// The watch is on directories, not files: producers replace files via
// atomic rename, which creates a new inode, so a file-level watch would
// miss every replacement. IN_MOVED_TO catches the rename landing,
// IN_CLOSE_WRITE catches plain overwrites.
func (s *Store) Watch(stop <-chan struct{}) (<-chan struct{}, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, err
	}

	dirs := []string{s.root}
	for _, sub := range []string{"heartbeats", "jobs", "team"} {
		if info, err := os.Stat(filepath.Join(s.root, sub)); err == nil && info.IsDir() {
			dirs = append(dirs, filepath.Join(s.root, sub))
		}
	}
	watched := 0
	for _, dir := range dirs {
		if _, err := unix.InotifyAddWatch(fd, dir, unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO|unix.IN_CREATE); err == nil {
			watched++
		}
	}
	if watched == 0 {
		unix.Close(fd)
		return nil, unix.EINVAL
	}

	changes := make(chan struct{}, 1)
	go watchLoop(fd, changes, stop)
	return changes, nil
}

func watchLoop(fd int, changes chan<- struct{}, stop <-chan struct{}) {
	defer unix.Close(fd)
	buffer := make([]byte, 4096)

	for {
		select {
		case <-stop:
			return
		default:
		}

		descriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		count, err := unix.Poll(descriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// Watcher dies quietly; the periodic timer still drives
			// re-aggregation.
			return
		}
		if count == 0 {
			continue
		}

		if _, err := unix.Read(fd, buffer); err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}

		// Coalesce: wait briefly, then drain whatever queued up so one
		// multi-file producer write produces a single wakeup.
		time.Sleep(50 * time.Millisecond)
		for {
			if _, err := unix.Read(fd, buffer); err != nil {
				break
			}
		}

		select {
		case changes <- struct{}{}:
		default:
		}
	}
}
