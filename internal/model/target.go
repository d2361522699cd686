package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const DefaultSSHPort = 22

type Destination struct {
	User string `json:"user,omitempty"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (d Destination) Addr() string {
	port := d.Port
	if port == 0 {
		port = DefaultSSHPort
	}

	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

func (d Destination) String() string {
	if d.User == "" {
		return d.Addr()
	}

	return d.User + "@" + d.Addr()
}

type WatchTarget struct {
	LocalPath string `json:"local_path"`
	IsDir     bool   `json:"is_dir"`
}

// ParseDestination accepts host, host:port, [v6addr]:port and an optional
// user@ prefix.
func ParseDestination(raw string) (Destination, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Destination{}, fmt.Errorf("destination is empty")
	}

	var dst Destination
	if at := strings.LastIndex(raw, "@"); at != -1 {
		dst.User = raw[:at]
		raw = raw[at+1:]
		if dst.User == "" {
			return Destination{}, fmt.Errorf("destination %q has an empty user", raw)
		}
	}

	host, port := raw, ""
	switch {
	case strings.HasPrefix(raw, "["):
		if strings.HasSuffix(raw, "]") {
			host = strings.Trim(raw, "[]")
			break
		}

		h, p, err := net.SplitHostPort(raw)
		if err != nil {
			return Destination{}, fmt.Errorf("invalid destination %q: %w", raw, err)
		}
		host, port = h, p

	case strings.Count(raw, ":") == 1:
		h, p, err := net.SplitHostPort(raw)
		if err != nil {
			return Destination{}, fmt.Errorf("invalid destination %q: %w", raw, err)
		}
		host, port = h, p
	}

	if host == "" {
		return Destination{}, fmt.Errorf("destination %q has no host", raw)
	}
	if strings.ContainsAny(host, "/ ") {
		return Destination{}, fmt.Errorf("destination %q is not a host name", raw)
	}

	dst.Host = host
	dst.Port = DefaultSSHPort
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return Destination{}, fmt.Errorf("destination %q has an invalid port %q", raw, port)
		}
		dst.Port = n
	}

	return dst, nil
}
