// Package fingerprint derives a stable device identity from client-supplied signals.
package fingerprint

import (
	"encoding/hex"
	"net"
	"net/netip"
	"strings"

	"github.com/mssola/useragent"
	"golang.org/x/crypto/blake2b"

	"school-platform/devicequota/internal/devicesession/domain"
)

// PrefixLen is the number of hash characters shown in device listings.
const PrefixLen = 12

// Signals are the raw inputs available for a device at admission time.
type Signals struct {
	ClientFingerprint string
	UserAgent         string
	Platform          string
	SourceAddress     string
}

// Identity is the resolved device identity plus descriptive metadata.
type Identity struct {
	Hash string
	Meta domain.DeviceMeta
}

// Resolve returns the device identity for s. The hash depends only on the client fingerprint when one is
// supplied, otherwise on the normalized source address and user agent; metadata never affects it.
func Resolve(s Signals) Identity {
	ip := NormalizeIP(s.SourceAddress)
	meta := Describe(s.UserAgent, s.Platform)
	meta.IPAddress = ip
	meta.UserAgent = s.UserAgent
	return Identity{Hash: Hash(s.ClientFingerprint, ip, s.UserAgent), Meta: meta}
}

// Hash returns the hex BLAKE2b-256 digest identifying a device.
func Hash(clientFingerprint, ip, userAgent string) string {
	var material string
	if fp := strings.TrimSpace(clientFingerprint); fp != "" {
		material = "client:" + fp
	} else {
		material = "net:" + ip + "|" + userAgent
	}
	sum := blake2b.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// NormalizeIP strips any port and zone and unmaps IPv4-in-IPv6. Unparsable input is returned trimmed.
func NormalizeIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap().WithZone("").String()
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if a, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return a.Unmap().WithZone("").String()
	}
	return addr
}

// Describe extracts device type, browser and OS from a user agent. platform fills in the OS when the user
// agent does not name one.
func Describe(userAgent, platform string) domain.DeviceMeta {
	meta := domain.DeviceMeta{DeviceType: "unknown"}
	platform = strings.TrimSpace(platform)
	if strings.TrimSpace(userAgent) == "" {
		meta.OS = platform
		return meta
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	meta.Browser = strings.TrimSpace(name + " " + majorVersion(version))
	meta.OS = ua.OS()
	if meta.OS == "" {
		meta.OS = platform
	}
	switch {
	case ua.Bot():
		meta.DeviceType = "bot"
	case isTablet(userAgent):
		meta.DeviceType = "tablet"
	case ua.Mobile():
		meta.DeviceType = "mobile"
	case ua.OS() != "" || name != "":
		meta.DeviceType = "desktop"
	}
	return meta
}

func isTablet(userAgent string) bool {
	return strings.Contains(userAgent, "iPad") ||
		strings.Contains(userAgent, "Tablet") ||
		(strings.Contains(userAgent, "Android") && !strings.Contains(userAgent, "Mobile"))
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// Prefix returns the leading characters of a fingerprint hash for display.
func Prefix(hash string) string {
	if len(hash) <= PrefixLen {
		return hash
	}
	return hash[:PrefixLen]
}
