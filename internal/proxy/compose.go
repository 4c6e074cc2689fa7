package proxy

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edvin/shipyard/internal/model"
)

type composeDocument struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Ports []yaml.Node `yaml:"ports"`
}

// ParsePortsFromCompose extracts the host-side ports the active proxy
// service publishes in its compose-style definition. Both the short syntax
// ("80:80", "443:443/tcp", 8080) and the long syntax (published/target
// mappings) are understood. Unparseable entries are skipped.
func ParsePortsFromCompose(content, proxyType string) ([]string, error) {
	var doc composeDocument
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("parse proxy compose document: %w", err)
	}

	service, ok := doc.Services[serviceNameFor(proxyType)]
	if !ok {
		return nil, nil
	}

	var ports []string
	seen := make(map[string]bool)
	for _, node := range service.Ports {
		port := hostPortFromNode(node)
		if port == "" || seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}
	return ports, nil
}

func serviceNameFor(proxyType string) string {
	switch proxyType {
	case model.ProxyTypeCaddy:
		return "caddy"
	default:
		return "traefik"
	}
}

func hostPortFromNode(node yaml.Node) string {
	switch node.Kind {
	case yaml.ScalarNode:
		return hostPortFromShortSyntax(node.Value)
	case yaml.MappingNode:
		var long struct {
			Published string `yaml:"published"`
			Target    string `yaml:"target"`
		}
		if err := node.Decode(&long); err != nil {
			return ""
		}
		if long.Published != "" {
			return normalizePort(long.Published)
		}
		return normalizePort(long.Target)
	}
	return ""
}

// hostPortFromShortSyntax handles "80", "80:80", "0.0.0.0:443:443" and an
// optional "/tcp" or "/udp" suffix, returning the host-side port.
func hostPortFromShortSyntax(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if idx := strings.IndexByte(value, '/'); idx >= 0 {
		value = value[:idx]
	}
	parts := strings.Split(value, ":")
	switch len(parts) {
	case 1:
		return normalizePort(parts[0])
	case 2:
		return normalizePort(parts[0])
	default:
		// ip:host:container
		return normalizePort(parts[len(parts)-2])
	}
}

func normalizePort(s string) string {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return ""
	}
	return strconv.Itoa(n)
}

// portSet unions the fixed default proxy ports with the ports declared in
// the configuration document, preserving order and deduplicating.
func portSet(configured []string) []string {
	var ports []string
	seen := make(map[string]bool)
	for _, p := range append(append([]string{}, model.DefaultProxyPorts...), configured...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		ports = append(ports, p)
	}
	return ports
}
