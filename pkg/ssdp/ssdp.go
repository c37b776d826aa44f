// Package ssdp discovers the manager's URL via SSDP/UPnP M-SEARCH when no
// manager_url is configured. It is invoked once at startup; its only
// contract with the rest of the worker is the discovered URL string.
package ssdp

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// SearchTarget identifies the service this worker is looking for.
const SearchTarget = "urn:flamenco:manager:0"

const discoveryMessage = "M-SEARCH * HTTP/1.1\r\n" +
	"HOST: %s\r\n" +
	"MAN: \"ssdp:discover\"\r\n" +
	"MX: 3\r\n" +
	"ST: " + SearchTarget + "\r\n\r\n"

var destinations = []struct {
	network string
	addr    string
}{
	{"udp4", "239.255.255.250:1900"},
	{"udp6", "[ff05::c]:1900"},
}

// ErrDiscoveryFailed is returned when every attempt/interface/destination
// combination is exhausted without a response.
var ErrDiscoveryFailed = errors.New("ssdp: no flamenco manager responded to discovery")

// Options configures a Discover call; the zero value uses spec defaults.
type Options struct {
	Attempts       int
	ReceiveTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = time.Second
	}
	return o
}

// Discover sends M-SEARCH datagrams on every available interface, two
// sends per destination per attempt, and returns the Location header from
// the first response received. It fails fast (fatal at startup, per
// spec.md §4.6) if no manager answers within opts.Attempts tries.
func Discover(opts Options) (string, error) {
	opts = opts.withDefaults()

	for attempt := 0; attempt < opts.Attempts; attempt++ {
		for _, dest := range destinations {
			for i := 0; i < 2; i++ {
				location, err := trySearch(dest.network, dest.addr, opts.ReceiveTimeout)
				if err == nil {
					return location, nil
				}
			}
		}
	}
	return "", ErrDiscoveryFailed
}

func trySearch(network, addr string, timeout time.Duration) (string, error) {
	raddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", addr, err)
	}

	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return "", fmt.Errorf("opening %s socket: %w", network, err)
	}
	defer conn.Close()

	msg := fmt.Sprintf(discoveryMessage, addr)
	if _, err := conn.WriteToUDP([]byte(msg), raddr); err != nil {
		return "", fmt.Errorf("sending M-SEARCH to %s: %w", addr, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("setting read deadline: %w", err)
	}

	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return "", fmt.Errorf("reading M-SEARCH response: %w", err)
	}

	return parseLocation(buf[:n])
}

// parseLocation parses a raw HTTP-in-UDP response and extracts the
// Location header.
func parseLocation(data []byte) (string, error) {
	reader := bufio.NewReader(strings.NewReader(string(data)))
	tp := textproto.NewReader(reader)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return "", fmt.Errorf("reading status line: %w", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/") {
		return "", fmt.Errorf("not an HTTP response: %q", statusLine)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return "", fmt.Errorf("reading headers: %w", err)
	}

	location := http.Header(header).Get("Location")
	if location == "" {
		return "", errors.New("response carried no Location header")
	}
	return location, nil
}
