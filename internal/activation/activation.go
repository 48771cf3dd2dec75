// Package activation picks up listeners handed over by systemd socket
// activation, so the trigger server can run as an on-demand user service.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3.
const firstFD = 3

// Env holds the socket activation variables.
type Env struct {
	PID     string
	FDs     string
	FDNames string
}

// FromOS reads the activation variables of the current process.
func FromOS() Env {
	return Env{
		PID:     os.Getenv("LISTEN_PID"),
		FDs:     os.Getenv("LISTEN_FDS"),
		FDNames: os.Getenv("LISTEN_FDNAMES"),
	}
}

// Count returns how many descriptors were passed to process pid, and their
// names. It returns 0 when the activation is absent or meant for another
// process.
func (e Env) Count(pid int) (int, []string, error) {
	if e.PID == "" {
		return 0, nil, nil
	}
	target, err := strconv.Atoi(e.PID)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid LISTEN_PID %q: %w", e.PID, err)
	}
	if target != pid || e.FDs == "" {
		return 0, nil, nil
	}

	n, err := strconv.Atoi(e.FDs)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", e.FDs, err)
	}
	if n < 1 {
		return 0, nil, nil
	}

	names := make([]string, n)
	if e.FDNames != "" {
		copy(names, strings.Split(e.FDNames, ":"))
	}
	return n, names, nil
}

// Listeners returns the socket-activated listeners of this process, or nil
// when the process was not socket-activated. When name is not empty only
// the descriptors registered under that FileDescriptorName are returned;
// the others are closed.
func Listeners(name string) ([]net.Listener, error) {
	n, names, err := FromOS().Count(os.Getpid())
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		if name != "" && names[i] != name {
			_ = file.Close()
			continue
		}

		listener, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Child processes must not inherit the activation.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}
