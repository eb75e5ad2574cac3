package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// ValidateEndpointURL checks that an outbound endpoint URL is safe for
// server-side requests. The payment gateway base URL and the OTLP
// collector endpoint come from configuration; a typo or a hostile value
// must not point the service at the instance metadata endpoint or the
// internal network. Both the literal host and DNS-resolved addresses
// are checked.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return rejectInternalIP(ip)
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if err := rejectInternalIP(ip); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func rejectInternalIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	default:
		return nil
	}
}
