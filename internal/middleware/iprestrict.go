package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
)

// ParseAllowedIPs parses a list of IP addresses and CIDR ranges. Single
// addresses become /32 or /128 networks. Blank entries are skipped.
func ParseAllowedIPs(entries []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, part := range entries {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// CheckIPAllowed reports an error when sourceIP is outside networks. An
// empty list allows every source.
func CheckIPAllowed(sourceIP string, networks []*net.IPNet) error {
	if len(networks) == 0 {
		return nil
	}

	ip := net.ParseIP(strings.Trim(strings.TrimSpace(sourceIP), "[]"))
	if ip == nil {
		return fmt.Errorf("connection blocked: could not parse source IP %q", logutil.SanitizeForLog(sourceIP))
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("connection blocked: source IP %s is not in the allowed list",
		logutil.SanitizeForLog(sourceIP))
}

// RestrictSources rejects requests whose source address is outside
// networks.
func RestrictSources(networks []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(networks) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := CheckIPAllowed(sshaudit.ExtractSourceIP(r), networks); err != nil {
				log.Warn().Str("component", "middleware").Err(err).Msg("Rejected request")
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Access denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
