package dispatcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ojpio/ojp-go/ojperr"
)

// defaultPort is spec.md §6's default: "jdbc:ojp[host1:port1,...]_<native-scheme>
// ://<native-details> ... Default port: 1059."
const defaultPort = 1059

// ConnectionURL is a parsed client connection string (spec.md §6).
type ConnectionURL struct {
	Endpoints []EndpointAddr
	NativeURL string // forwarded verbatim to the server
}

type EndpointAddr struct {
	Host string
	Port int
}

// ParseConnectionURL parses "jdbc:ojp[host1:port1,host2:port2,...]_<scheme>://<details>".
// The ojp[...] prefix is consumed to build the endpoint list; everything after
// it (including the "_<scheme>://" separator) is kept verbatim as NativeURL,
// used by the server to build connHash and configure the backend driver.
func ParseConnectionURL(raw string) (*ConnectionURL, error) {
	const prefix = "jdbc:ojp["
	if !strings.HasPrefix(raw, prefix) {
		return nil, ojperr.New(ojperr.KindProtocolError, "dispatcher: connection URL missing %q prefix", prefix)
	}
	rest := raw[len(prefix):]

	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return nil, ojperr.New(ojperr.KindProtocolError, "dispatcher: connection URL missing closing ']'")
	}
	endpointList := rest[:end]
	nativeURL := rest[end+1:]
	nativeURL = strings.TrimPrefix(nativeURL, "_")

	if endpointList == "" {
		return nil, ojperr.New(ojperr.KindProtocolError, "dispatcher: connection URL has no endpoints")
	}

	var endpoints []EndpointAddr
	for _, part := range strings.Split(endpointList, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := parseHostPort(part)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, addr)
	}
	if len(endpoints) == 0 {
		return nil, ojperr.New(ojperr.KindProtocolError, "dispatcher: connection URL has no usable endpoints")
	}

	return &ConnectionURL{Endpoints: endpoints, NativeURL: nativeURL}, nil
}

func parseHostPort(s string) (EndpointAddr, error) {
	host, portStr, found := strings.Cut(s, ":")
	if !found {
		return EndpointAddr{Host: host, Port: defaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return EndpointAddr{}, ojperr.New(ojperr.KindProtocolError, "dispatcher: invalid port in endpoint %q", s)
	}
	return EndpointAddr{Host: host, Port: port}, nil
}

func (a EndpointAddr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
