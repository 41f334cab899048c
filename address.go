package tunnel

import (
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Address is either a (host, port) tuple or an absolute UNIX socket path.
// Exactly one of (Host set, implicit) or Path is meaningful; IsSocket
// reports which.
type Address struct {
	Host string
	Port int
	Path string
}

// IsSocket reports whether a is a filesystem-path bind rather than a
// host:port tuple.
func (a Address) IsSocket() bool {
	return a.Path != ""
}

// String renders the address for logging and error messages.
func (a Address) String() string {
	if a.IsSocket() {
		return a.Path
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// checkHost validates a hostname: non-empty, and if it parses as an IP
// literal it must be a valid v4/v6 address. DNS names are accepted without
// a lookup.
func checkHost(h string) error {
	if h == "" {
		return &ConfigError{Value: h, Msg: "host must not be empty"}
	}
	if looksLikeIP(h) && net.ParseIP(h) == nil {
		return &ConfigError{Value: h, Msg: "invalid IP literal"}
	}
	return nil
}

// looksLikeIP is a cheap heuristic: any string containing a colon, or made
// only of digits and exactly three dots, is treated as an IP-literal
// candidate so that a
// genuinely malformed IP (eg "999.999.999.999" or "abcd::gggg") is rejected
// instead of silently passing through as a DNS name.
func looksLikeIP(h string) bool {
	if strings.ContainsAny(h, ":") {
		return true
	}
	dots := 0
	for _, r := range h {
		switch {
		case r >= '0' && r <= '9':
		case r == '.':
			dots++
		default:
			return false
		}
	}
	return dots == 3
}

// normalizeLocalBind defaults an unset local_bind host to loopback (§3:
// "local_bind's host may be empty, meaning loopback by default"). Socket-form
// addresses are returned unchanged.
func normalizeLocalBind(a Address) Address {
	if !a.IsSocket() && a.Host == "" {
		a.Host = "127.0.0.1"
	}
	return a
}

// checkPort validates that p is in [0, 65535].
func checkPort(p int) error {
	if p < 0 || p > 65535 {
		return &ConfigError{Value: strconv.Itoa(p), Msg: "port must be in [0, 65535]"}
	}
	return nil
}

// unixSocketsSupported reports whether this runtime supports UNIX domain
// socket listeners. Per §9, platforms without support reject path-form
// addresses at validation time.
func unixSocketsSupported() bool {
	return runtime.GOOS != "windows" && runtime.GOOS != "js" && runtime.GOOS != "plan9"
}

// checkAddress validates either a (host, port) tuple (port >= 0) or an
// absolute filesystem path, rejecting path form on platforms with no
// UNIX-socket support.
func checkAddress(a Address) error {
	if a.IsSocket() {
		if !filepath.IsAbs(a.Path) {
			return &ConfigError{Value: a.Path, Msg: "socket path must be absolute"}
		}
		if !unixSocketsSupported() {
			return &ConfigError{Value: a.Path, Msg: "UNIX sockets are not supported on this platform"}
		}
		return nil
	}
	if err := checkHost(a.Host); err != nil {
		return err
	}
	return checkPort(a.Port)
}

// checkRemoteAddress validates a remote_target tuple, which additionally
// requires port > 0 (0 is only meaningful for "assign me a local port").
func checkRemoteAddress(a Address) error {
	if a.IsSocket() {
		return &ConfigError{Value: a.Path, Msg: "remote target cannot be a socket path"}
	}
	if err := checkHost(a.Host); err != nil {
		return err
	}
	if a.Port <= 0 {
		return &ConfigError{Value: strconv.Itoa(a.Port), Msg: "remote target port must be > 0"}
	}
	return nil
}

// checkAddresses validates that every entry in list is well-formed and that
// the list is homogeneous in family: all tuples, or all socket paths.
func checkAddresses(list []Address) error {
	if len(list) == 0 {
		return nil
	}
	allSockets := list[0].IsSocket()
	for _, a := range list {
		if a.IsSocket() != allSockets {
			return &ConfigError{Value: a.String(), Msg: "addresses must be homogeneous: all tuples or all socket paths"}
		}
		if err := checkAddress(a); err != nil {
			return err
		}
	}
	return nil
}
