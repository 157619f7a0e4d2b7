// Package identity derives the local peer identity: a stable id hashed from
// the hostname and the primary LAN address.
package identity

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/prxssh/ipchat/internal/models"
)

// UserID renders a stable peer id for a hostname: a 32-bit FNV-1a hash as
// `user-<hex>`. The same host always maps to the same id.
func UserID(hostname string) string {
	h := fnv.New32a()
	h.Write([]byte(hostname))
	return fmt.Sprintf("user-%x", h.Sum32())
}

// LocalUser builds the local user record: id and display name from the
// hostname, address from the primary non-loopback interface.
func LocalUser() models.User {
	hostname, err := os.Hostname()
	if err != nil {
		slog.Warn("hostname lookup failed", "error", err)
		hostname = "unknown-host"
	}

	return models.User{
		ID:       UserID(hostname),
		Name:     hostname,
		IP:       LocalIP(),
		LastSeen: time.Now().Unix(),
	}
}

// LocalIP returns the first routable non-loopback IPv4 address, falling
// back to 127.0.0.1 when none is found. The fallback keeps single-host
// setups usable but is logged since peers cannot reach it.
func LocalIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("interface scan failed, using loopback", "error", err)
		return "127.0.0.1"
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
				continue
			}
			return ip4.String()
		}
	}

	slog.Warn("no routable address found, using loopback")
	return "127.0.0.1"
}
