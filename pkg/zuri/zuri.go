// Package zuri parses mesh endpoint URIs.
//
// zc:// and broker:// address the broker (default port 9000); zakuro:// and
// http:// address a worker directly (default port 3960). Engine schemes such
// as ray:// or dask:// belong behind worker adapters and are rejected here.
package zuri

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrUnsupportedScheme marks URIs this mesh does not route to directly.
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// Kind identifies what an endpoint points at.
type Kind string

const (
	KindBroker Kind = "broker"
	KindWorker Kind = "worker"
)

// Default ports per target kind.
const (
	DefaultBrokerPort = 9000
	DefaultWorkerPort = 3960
)

// Endpoint is a parsed mesh address.
type Endpoint struct {
	Kind Kind
	Host string
	Port int
}

// HostPort renders the endpoint as host:port.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL renders the endpoint as a plain http URL for transport use.
func (e Endpoint) URL() string {
	return "http://" + e.HostPort()
}

// Parse resolves a mesh URI into an endpoint, applying scheme default ports.
func Parse(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("op=zuri.Parse: %w", err)
	}
	var kind Kind
	var defPort int
	switch strings.ToLower(u.Scheme) {
	case "zc", "broker":
		kind, defPort = KindBroker, DefaultBrokerPort
	case "zakuro", "http":
		kind, defPort = KindWorker, DefaultWorkerPort
	case "ray", "dask", "spark", "tcp":
		return Endpoint{}, fmt.Errorf("op=zuri.Parse scheme=%s: %w", u.Scheme, ErrUnsupportedScheme)
	default:
		return Endpoint{}, fmt.Errorf("op=zuri.Parse scheme=%q: %w", u.Scheme, ErrUnsupportedScheme)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("op=zuri.Parse: missing host in %q", raw)
	}
	port := defPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("op=zuri.Parse: bad port %q", p)
		}
	}
	return Endpoint{Kind: kind, Host: host, Port: port}, nil
}
