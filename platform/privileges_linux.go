//go:build linux

package platform

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Capability bits from linux/capability.h.
const (
	capNetAdmin = 12
	capSysAdmin = 21
	capPerfmon  = 38
	capBPF      = 39
)

// CheckPrivileges reports whether the current process has the access the
// backend needs. A nil error means it probably does; the kernel has the
// final say at Connect.
func CheckPrivileges(backend string) error {
	if backend == "" || backend == BackendAuto {
		backend = DefaultBackend()
	}
	if unix.Geteuid() == 0 {
		return nil
	}

	caps, err := effectiveCaps()
	if err != nil {
		return fmt.Errorf("could not read capabilities: %w", err)
	}
	has := func(bit uint) bool { return caps&(1<<bit) != 0 }

	switch backend {
	case BackendEBPF:
		if has(capSysAdmin) || (has(capBPF) && has(capPerfmon)) {
			return nil
		}
		return fmt.Errorf("%s backend needs root, CAP_SYS_ADMIN or CAP_BPF+CAP_PERFMON (%s)", backend, sudoHint())
	case BackendNetlink:
		if has(capNetAdmin) {
			return nil
		}
		return fmt.Errorf("%s backend needs root or CAP_NET_ADMIN (%s)", backend, sudoHint())
	}
	return nil
}

func sudoHint() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return "running as " + u + " via sudo without root euid"
	}
	return "try sudo"
}

// effectiveCaps parses the CapEff line of /proc/self/status.
func effectiveCaps() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseCapEff(f)
}

func parseCapEff(r io.Reader) (uint64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}
		return strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "CapEff:")), 16, 64)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("CapEff not found")
}
