// Package discovery advertises a relay server on the local network over
// mDNS and lets clients find one without a configured url.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_relaydoc._tcp"
	domain      = "local."
)

type Endpoint struct {
	Instance string
	Host     string
	Port     int
	// Path is the url path prefix advertised in the TXT record.
	Path string
}

// WSURL returns the websocket base url for the endpoint.
func (e Endpoint) WSURL() string {
	return "ws://" + net.JoinHostPort(e.Host, fmt.Sprint(e.Port)) + e.Path
}

func (e Endpoint) HTTPURL() string {
	return "http://" + net.JoinHostPort(e.Host, fmt.Sprint(e.Port)) + e.Path
}

// Advertise registers the relay on the local network until the returned
// shutdown function is called.
func Advertise(port int, path string) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("relaydoc-%s", host),
		ServiceType,
		domain,
		port,
		[]string{"txtv=1", "path=" + path},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// Discover browses for relays for up to timeout and returns what answered.
func Discover(ctx context.Context, timeout time.Duration) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Endpoint, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		var out []Endpoint
		for entry := range results {
			if endpoint, ok := endpointFromEntry(entry); ok {
				out = append(out, endpoint)
			}
		}
		found <- out
	}(entries)

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	if entry == nil || entry.Port == 0 {
		return Endpoint{}, false
	}
	host := ""
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return Endpoint{}, false
	}
	return Endpoint{
		Instance: entry.Instance,
		Host:     host,
		Port:     entry.Port,
		Path:     txtValue(entry.Text, "path"),
	}, true
}

func txtValue(records []string, key string) string {
	for _, record := range records {
		if k, v, ok := strings.Cut(record, "="); ok && k == key {
			return v
		}
	}
	return ""
}
