// Package activation obtains the listeners for the status server, either
// from systemd socket activation or by binding a TCP address.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listen returns the systemd-activated listeners if this process was socket
// activated, otherwise a single TCP listener bound to addr. activated
// reports which path was taken.
func Listen(addr string) (listeners []net.Listener, activated bool, err error) {
	listeners, err = Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		return listeners, true, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return []net.Listener{l}, false, nil
}

// Listeners returns the systemd-activated listeners.
// Returns nil if no socket activation is detected or if the activation is not for this process.
func Listeners() ([]net.Listener, error) {
	numFDs, err := activatedFDs(os.Getenv("LISTEN_PID"), os.Getenv("LISTEN_FDS"), os.Getpid())
	if err != nil || numFDs == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		listeners = append(listeners, listener)
	}

	// Unset the environment variables so child processes (git) don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs parses the LISTEN_PID / LISTEN_FDS pair. It returns 0 when
// the variables are absent or addressed to another process.
func activatedFDs(pidStr, fdsStr string, self int) (int, error) {
	if pidStr == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != self {
		// Socket activation is for a different process
		return 0, nil
	}

	if fdsStr == "" {
		return 0, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: negative count", fdsStr)
	}
	return numFDs, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
