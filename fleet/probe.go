package fleet

import (
	"log/slog"
	"net"
	"time"
)

const (
	sshPort             = "22"
	DefaultProbeTimeout = 5 * time.Second
)

// ProbeSSH checks whether the SSH port on host accepts TCP connections.
// This is a direct network check, independent of the provider's own health
// reporting. Failure is not fatal; it only means the caller keeps polling.
func ProbeSSH(host string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, sshPort), timeout)
	if err != nil {
		slog.Debug("ssh probe failed", slog.String("host", host), slog.String("error", err.Error()))
		return false
	}
	conn.Close()
	return true
}
