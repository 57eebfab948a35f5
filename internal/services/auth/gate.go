package auth

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/fgeck/pgdump-relay/internal/models"
)

// Header names read by the gate.
const (
	TokenHeader         = "X-Backup-Token"
	AuthorizationHeader = "Authorization"
)

// Authorizer defines the interface for request authorization.
type Authorizer interface {
	Authorize(origin net.IP, headers http.Header) models.Decision
}

// Gate combines origin filtering with the configured credential methods.
// It is immutable after construction and safe for concurrent use.
type Gate struct {
	cfg     models.AccessConfig
	origins []*net.IPNet
}

// NewGate creates a gate for cfg. It fails if an allow-list entry is neither
// an IP nor a CIDR.
func NewGate(cfg models.AccessConfig) (*Gate, error) {
	origins, err := ParseAllowList(cfg.AllowIPs)
	if err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg, origins: origins}, nil
}

// Authorize decides whether a request from origin carrying headers may proceed.
// Checks run in order and stop at the first denial.
func (g *Gate) Authorize(origin net.IP, headers http.Header) models.Decision {
	if len(g.origins) > 0 && !g.originAllowed(origin) {
		return models.Deny(http.StatusForbidden, models.ReasonOriginNotAllowed)
	}

	basicConfigured := g.cfg.BasicConfigured()
	tokenConfigured := g.cfg.TokenConfigured()
	if !basicConfigured && !tokenConfigured {
		return models.Deny(http.StatusUnauthorized, models.ReasonAuthNotConfigured)
	}

	basicOK := BasicMatches(headers.Get(AuthorizationHeader), g.cfg.User, g.cfg.Password)
	tokenOK := TokenMatches(headers.Get(TokenHeader), g.cfg.Token)

	var ok bool
	if g.cfg.RequireBoth {
		// An unconfigured method can never be satisfied.
		ok = basicOK && tokenOK
	} else {
		ok = (basicConfigured && basicOK) || (tokenConfigured && tokenOK)
	}
	if !ok {
		return models.Deny(http.StatusUnauthorized, models.ReasonUnauthorized)
	}
	return models.Allow()
}

func (g *Gate) originAllowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	for _, n := range g.origins {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseAllowList parses IP and CIDR entries. Blank entries are skipped.
// Single IPs become /32 or /128 networks.
func ParseAllowList(entries []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(entries))
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if _, ipNet, err := net.ParseCIDR(s); err == nil {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				ipNet.IP = ip4
			}
			out = append(out, ipNet)
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid allow-list entry %q", s)
		}
		if ip4 := ip.To4(); ip4 != nil {
			out = append(out, &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)})
		} else {
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
		}
	}
	return out, nil
}

// OriginFromRequest returns the caller address taken from RemoteAddr.
// Forwarding headers are not trusted.
func OriginFromRequest(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	// Strip an IPv6 zone if present.
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return net.ParseIP(host)
}
