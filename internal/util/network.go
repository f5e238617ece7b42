// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// MaxOutboundURLLength bounds configured outbound endpoints.
const MaxOutboundURLLength = 2048

// ErrBlockedAddress is returned for destinations in private or reserved
// ranges.
var ErrBlockedAddress = errors.New("destination address is not public")

var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
	"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
	"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
	"224.0.0.0/4", "240.0.0.0/4",
	"::/128", "::1/128", "fc00::/7", "fe80::/10",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// IsPrivateAddr reports whether addr is private, loopback, link-local or
// otherwise reserved. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsPrivateAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsPrivateIP is IsPrivateAddr for net.IP values. A nil IP counts as private.
func IsPrivateIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	return !ok || IsPrivateAddr(addr)
}

// Resolver looks up host addresses. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ValidateOutboundURL checks that rawURL is an http(s) URL whose host
// resolves only to public addresses.
func ValidateOutboundURL(ctx context.Context, rawURL string) error {
	return validateOutboundURL(ctx, net.DefaultResolver, rawURL)
}

func validateOutboundURL(ctx context.Context, r Resolver, rawURL string) error {
	if len(rawURL) > MaxOutboundURLLength {
		return fmt.Errorf("URL exceeds maximum length of %d characters", MaxOutboundURLLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivateAddr(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("failed to resolve hostname %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("hostname %q did not resolve to any address", host)
	}
	for _, addr := range addrs {
		if IsPrivateAddr(addr) {
			return fmt.Errorf("%w: %q resolves to %s", ErrBlockedAddress, host, addr)
		}
	}
	return nil
}

// SafeDialContext resolves the target itself and dials a checked address,
// so a DNS answer cannot change between validation and connection.
func SafeDialContext(dialer *net.Dialer, r Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if r == nil {
		r = net.DefaultResolver
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		var targets []netip.Addr
		if ip, err := netip.ParseAddr(host); err == nil {
			targets = []netip.Addr{ip}
		} else if targets, err = r.LookupNetIP(ctx, "ip", host); err != nil {
			return nil, fmt.Errorf("failed to resolve %q: %w", host, err)
		}
		for _, ip := range targets {
			if IsPrivateAddr(ip) {
				return nil, fmt.Errorf("%w: %s (from %q)", ErrBlockedAddress, ip, host)
			}
		}
		lastErr := fmt.Errorf("no address for %q", host)
		for _, ip := range targets {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.Unmap().String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("failed to connect to %q: %w", host, lastErr)
	}
}

// NewOutboundClient returns an HTTP client for calls to third-party
// endpoints. Connections to non-public addresses are refused and at most
// three redirects are followed.
func NewOutboundClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           SafeDialContext(dialer, nil),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return errors.New("stopped after 3 redirects")
			}
			return nil
		},
	}
}
