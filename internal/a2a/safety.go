package a2a

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/HyphaGroup/oubliette/internal/apperr"
)

// rejectPrivateOrLoopback enforces the hard invariant that an agent card's
// url must not resolve to a private or loopback address (spec §4.6):
// 127.0.0.0/8, ::1, RFC1918 ranges, "localhost", and link-local addresses.
func rejectPrivateOrLoopback(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "parsing agent card url", err)
	}
	host := u.Hostname()
	if host == "" {
		return apperr.New(apperr.KindValidation, "agent card url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return apperr.New(apperr.KindForbidden, fmt.Sprintf("agent card url %q resolves to loopback", rawURL))
	}

	ips, lookupErr := net.LookupIP(host)
	if lookupErr != nil {
		// host is already a literal IP in most agent card configurations;
		// fall back to parsing it directly.
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		}
	}
	if len(ips) == 0 {
		// Unresolvable hostname: let the HTTP client surface the real error
		// rather than guessing; the safety net is resolved addresses only.
		return nil
	}
	for _, ip := range ips {
		if isDisallowed(ip) {
			return apperr.New(apperr.KindForbidden, fmt.Sprintf("agent card url %q resolves to a private or loopback address", rawURL))
		}
	}
	return nil
}

func isDisallowed(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
