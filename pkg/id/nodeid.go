// Package id parses and validates NodeId strings of the form
// name@host:port, the canonical on-the-wire identity of a cluster node
// (spec.md §3 C1).
package id

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/hamicek/noex-sub011/internal/errs"
)

// NodeID is an immutable, validated "name@host:port" string. String
// equality is identity.
type NodeID string

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// hostnameRe is a loose RFC-1123 hostname check: labels of
// alphanumerics/hyphens, not starting/ending with a hyphen.
var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

// New validates name, host and port and returns the canonical NodeID.
func New(name, host string, port int) (NodeID, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("%w: name %q", errs.ErrInvalidNodeID, name)
	}
	if !validHost(host) {
		return "", fmt.Errorf("%w: host %q", errs.ErrInvalidNodeID, host)
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: port %d", errs.ErrInvalidNodeID, port)
	}
	return NodeID(fmt.Sprintf("%s@%s:%d", name, formatHost(host), port)), nil
}

// Parse validates a literal "name@host:port" string.
func Parse(s string) (NodeID, error) {
	name, host, port, err := split(s)
	if err != nil {
		return "", err
	}
	return New(name, host, port)
}

// IsValid reports whether s parses successfully.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// split breaks "name@host:port" into its parts without validating
// each part's grammar (New does that).
func split(s string) (name, host string, port int, err error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return "", "", 0, fmt.Errorf("%w: missing '@' in %q", errs.ErrInvalidNodeID, s)
	}
	name = s[:at]
	rest := s[at+1:]

	h, p, splitErr := net.SplitHostPort(rest)
	if splitErr != nil {
		return "", "", 0, fmt.Errorf("%w: %v", errs.ErrInvalidNodeID, splitErr)
	}
	portNum, convErr := strconv.Atoi(p)
	if convErr != nil {
		return "", "", 0, fmt.Errorf("%w: port %q not numeric", errs.ErrInvalidNodeID, p)
	}
	return name, h, portNum, nil
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	return hostnameRe.MatchString(host)
}

// formatHost re-brackets a bare IPv6 literal; net.SplitHostPort already
// strips the brackets we need to restore for canonical form.
func formatHost(host string) string {
	if ip := net.ParseIP(host); ip != nil && strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

// Name returns the node-name component.
func (n NodeID) Name() string {
	name, _, _, _ := split(string(n))
	return name
}

// Host returns the host component (brackets stripped for IPv6).
func (n NodeID) Host() string {
	_, host, _, _ := split(string(n))
	return host
}

// Port returns the port component.
func (n NodeID) Port() int {
	_, _, port, _ := split(string(n))
	return port
}

// Address returns "host:port", suitable for net.Dial.
func (n NodeID) Address() string {
	_, host, port, _ := split(string(n))
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (n NodeID) String() string { return string(n) }
