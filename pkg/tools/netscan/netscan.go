// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package netscan registers the built-in network probe tools. Every
// tool shells out to the corresponding system utility under the
// subprocess sandbox, with argv built only from sanitized parameters.
package netscan

import (
	"context"
	"fmt"
	"strconv"

	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/runtime"
	"github.com/infrascope/infrascope/pkg/schema"
)

// Category groups the probe tools in tools/list.
const Category = "netscan"

// Register adds the probe tools to the registry.
func Register(reg *registry.Registry) error {
	for _, tool := range []*registry.Tool{
		pingTool(),
		tcpSynScanTool(),
		versionScanTool(),
		tracerouteTool(),
		httpCheckTool(),
	} {
		tool.Category = Category
		tool.Plugin = "builtin"
		tool.Subprocess = true
		if err := reg.RegisterTool(tool); err != nil {
			return fmt.Errorf("registering %s: %w", tool.Name, err)
		}
	}
	return nil
}

func pingTool() *registry.Tool {
	return &registry.Tool{
		Name:        "ping",
		Description: "Send ICMP echo requests to a host and report packet loss and round-trip times.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"host": {
				Type:        "string",
				Description: "Hostname or IP address to ping.",
				Required:    true,
			},
			"count": {
				Type:        "integer",
				Description: "Number of echo requests to send.",
				Default:     4,
				Minimum:     schema.Float(1),
				Maximum:     schema.Float(10),
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			host, err := runtime.SanitizeHostname(stringArg(args, "host"))
			if err != nil {
				return mcp.ErrorResult(err.Error()), nil
			}
			count := intArg(args, "count", 4)

			res, err := runtime.Command(ctx, "ping", "-c", strconv.Itoa(count), "-W", "2", host)
			if err != nil {
				return mcp.ErrorResult(fmt.Sprintf("ping failed to start: %v", err)), nil
			}
			return runtime.FormatCommand(res), nil
		},
	}
}

func tcpSynScanTool() *registry.Tool {
	return &registry.Tool{
		Name:        "nmap_tcp_syn_scan",
		Description: "Run an nmap TCP SYN scan against a host or CIDR range to find open ports.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"target": {
				Type:        "string",
				Description: "Hostname, IP address, or CIDR range to scan.",
				Required:    true,
			},
			"ports": {
				Type:        "string",
				Description: "Port list or range, nmap syntax (e.g. \"22,80,443\" or \"1-1024\").",
				Default:     "1-1000",
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			return nmapScan(ctx, args, "-sS")
		},
	}
}

func versionScanTool() *registry.Tool {
	return &registry.Tool{
		Name:        "nmap_version_scan",
		Description: "Run an nmap service version scan to identify the software listening on open ports.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"target": {
				Type:        "string",
				Description: "Hostname, IP address, or CIDR range to scan.",
				Required:    true,
			},
			"ports": {
				Type:        "string",
				Description: "Port list or range, nmap syntax.",
				Default:     "1-1000",
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			return nmapScan(ctx, args, "-sV")
		},
	}
}

func nmapScan(ctx context.Context, args map[string]any, scanFlag string) (*mcp.CallToolResult, error) {
	target, err := runtime.SanitizeTarget(stringArg(args, "target"))
	if err != nil {
		return mcp.ErrorResult(err.Error()), nil
	}
	ports, err := runtime.SanitizePortSpec(stringArg(args, "ports"))
	if err != nil {
		return mcp.ErrorResult(err.Error()), nil
	}

	res, err := runtime.Command(ctx, "nmap", scanFlag, "-p", ports, target)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("nmap failed to start: %v", err)), nil
	}
	return runtime.FormatCommand(res), nil
}

func tracerouteTool() *registry.Tool {
	return &registry.Tool{
		Name:        "traceroute",
		Description: "Trace the network path to a host, listing each hop and its latency.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"host": {
				Type:        "string",
				Description: "Hostname or IP address to trace.",
				Required:    true,
			},
			"maxHops": {
				Type:        "integer",
				Description: "Maximum number of hops to probe.",
				Default:     30,
				Minimum:     schema.Float(1),
				Maximum:     schema.Float(64),
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			host, err := runtime.SanitizeHostname(stringArg(args, "host"))
			if err != nil {
				return mcp.ErrorResult(err.Error()), nil
			}
			hops := intArg(args, "maxHops", 30)

			res, err := runtime.Command(ctx, "traceroute", "-m", strconv.Itoa(hops), host)
			if err != nil {
				return mcp.ErrorResult(fmt.Sprintf("traceroute failed to start: %v", err)), nil
			}
			return runtime.FormatCommand(res), nil
		},
	}
}

func httpCheckTool() *registry.Tool {
	return &registry.Tool{
		Name:        "wget_http_check",
		Description: "Fetch the headers of an HTTP or HTTPS URL to verify a web endpoint responds.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"url": {
				Type:        "string",
				Description: "Absolute http(s) URL to check.",
				Required:    true,
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			url, err := runtime.SanitizeURL(stringArg(args, "url"))
			if err != nil {
				return mcp.ErrorResult(err.Error()), nil
			}

			res, err := runtime.Command(ctx, "wget", "--spider", "--server-response", "--timeout=10", "--tries=1", url)
			if err != nil {
				return mcp.ErrorResult(fmt.Sprintf("wget failed to start: %v", err)), nil
			}
			return runtime.FormatCommand(res), nil
		},
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg reads an integer parameter; validated JSON numbers arrive as
// float64.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
