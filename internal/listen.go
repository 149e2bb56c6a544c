package internal

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

var ErrUnsupportedNetwork = errors.New("listen: unsupported network")

// SplitBindAddr works out the network of an address given without one, such
// as ":8923", "127.0.0.1:8923" or "unix:///run/gate.sock".
func SplitBindAddr(address string) (network, addr string, err error) {
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = "localhost" + address
		}
		address = "http://" + address
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse bind URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp", "http", "https":
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("%w: scheme %s in address %s", ErrUnsupportedNetwork, u.Scheme, address)
	}
}

// Listen binds network/address and returns the listener with a URL-ish
// description for logs. Unix sockets get socketMode, an octal string such as
// "0770".
func Listen(network, address, socketMode string) (net.Listener, string, error) {
	if network == "" {
		var err error
		network, address, err = SplitBindAddr(address)
		if err != nil {
			return nil, "", err
		}
	}

	var formatted string
	switch network {
	case "unix":
		formatted = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") {
			formatted = "http://localhost" + address
		} else {
			formatted = "http://" + address
		}
	default:
		formatted = fmt.Sprintf("(%s) %s", network, address)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, "", fmt.Errorf("failed to bind to %s: %w", formatted, err)
	}

	if network != "unix" {
		return ln, formatted, nil
	}

	mode, err := strconv.ParseUint(socketMode, 8, 32)
	if err == nil {
		err = os.Chmod(address, os.FileMode(mode))
	}
	if err != nil {
		ln.Close()
		return nil, "", fmt.Errorf("could not set socket mode %s on %s: %w", socketMode, address, err)
	}

	return ln, formatted, nil
}
