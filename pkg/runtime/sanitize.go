// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Deny-by-default input sanitizers for parameters that end up in a
// subprocess argv. Anything not matching the allow pattern is rejected.
var (
	hostnamePattern  = regexp.MustCompile(`^[A-Za-z0-9.\-]+$`)
	interfacePattern = regexp.MustCompile(`^[A-Za-z0-9\-]+$`)
	portSpecPattern  = regexp.MustCompile(`^[0-9]+(-[0-9]+)?(,[0-9]+(-[0-9]+)?)*$`)
)

// maxHostnameLen is the RFC 1035 limit.
const maxHostnameLen = 253

// SanitizeHostname accepts hostnames and IP addresses made of
// [A-Za-z0-9.-], at most 253 characters.
func SanitizeHostname(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("host cannot be empty")
	}
	if len(host) > maxHostnameLen {
		return "", fmt.Errorf("host exceeds %d characters", maxHostnameLen)
	}
	if !hostnamePattern.MatchString(host) {
		return "", fmt.Errorf("host %q contains invalid characters", host)
	}
	return host, nil
}

// SanitizeTarget accepts a hostname, IP address, or CIDR range, as used
// by scan tools.
func SanitizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if _, _, err := net.ParseCIDR(target); err == nil {
		return target, nil
	}
	return SanitizeHostname(target)
}

// SanitizeURL accepts absolute http(s) URLs only.
func SanitizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL has no host")
	}
	return u.String(), nil
}

// SanitizePortSpec accepts nmap-style port lists: single ports, ranges,
// and comma-separated combinations ("22", "1-1024", "80,443,8000-8100").
func SanitizePortSpec(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", fmt.Errorf("port specification cannot be empty")
	}
	if !portSpecPattern.MatchString(spec) {
		return "", fmt.Errorf("port specification %q is invalid", spec)
	}
	return spec, nil
}

// SanitizeInterface accepts network interface names made of [A-Za-z0-9-].
func SanitizeInterface(iface string) (string, error) {
	iface = strings.TrimSpace(iface)
	if iface == "" {
		return "", fmt.Errorf("interface cannot be empty")
	}
	if !interfacePattern.MatchString(iface) {
		return "", fmt.Errorf("interface %q contains invalid characters", iface)
	}
	return iface, nil
}
