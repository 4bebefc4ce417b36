package transport

import (
	"slices"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Older algorithms still offered by legacy servers. They are only ever
// appended after the library defaults so a modern server negotiates the
// preferred set.
var (
	LegacyKeyExchanges = []string{
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group-exchange-sha1",
		"diffie-hellman-group1-sha1",
	}
	LegacyHostKeyAlgorithms = []string{
		"ssh-rsa",
		"ssh-dss",
	}
)

// AppendLegacyAlgorithms sets the key exchange and host key lists on cfg to
// the supported defaults followed by the legacy algorithms.
func AppendLegacyAlgorithms(cfg *ssh.ClientConfig) {
	supported := ssh.SupportedAlgorithms()
	insecure := ssh.InsecureAlgorithms()

	base := cfg.KeyExchanges
	if len(base) == 0 {
		base = supported.KeyExchanges
	}
	cfg.KeyExchanges = appendUnique(base, known(LegacyKeyExchanges, supported.KeyExchanges, insecure.KeyExchanges)...)

	hostKeys := cfg.HostKeyAlgorithms
	if len(hostKeys) == 0 {
		hostKeys = supported.HostKeys
	}
	cfg.HostKeyAlgorithms = appendUnique(hostKeys, known(LegacyHostKeyAlgorithms, supported.HostKeys, insecure.HostKeys)...)
}

// known drops names the library cannot negotiate; the handshake rejects
// configurations that list them.
func known(names []string, lists ...[]string) []string {
	var out []string
	for _, n := range names {
		for _, l := range lists {
			if slices.Contains(l, n) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func appendUnique(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ClientIdent builds the handshake identification string
// "SSH-2.0-<product>_<version>[_t=<token>]".
func ClientIdent(product, version, token string) string {
	if product == "" {
		product = "sessiond"
	}
	if version == "" {
		version = "unknown"
	}
	id := "SSH-2.0-" + identPart(product) + "_" + identPart(version)
	if token != "" {
		id += "_t=" + identPart(token)
	}
	return id
}

// identPart keeps printable ASCII minus whitespace and '-', which the
// software-version field may not contain.
func identPart(s string) string {
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r > '~' || r == '-' {
			return '_'
		}
		return r
	}, s)
}
