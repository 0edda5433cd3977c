package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ServerName derives the logical server name of a source from its connection string.
// localhost and IP addresses resolve to the machine's hostname so names stay readable.
func ServerName(sourceType, connectionString string) (string, error) {
	host, err := sourceHost(sourceType, connectionString)
	if err != nil {
		return "", err
	}

	// Keep the first DNS label, without the port or instance name
	host, _, _ = strings.Cut(host, "\\")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host, _, _ = strings.Cut(host, ",")
	if !isIPAddress(host) {
		host = strings.Split(host, ".")[0]
	}
	if host == "" {
		return "", fmt.Errorf("server name not found in connection string")
	}

	if strings.EqualFold(host, "localhost") || isIPAddress(host) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = hostname
	}
	return strings.ToLower(host), nil
}

func sourceHost(sourceType, connectionString string) (string, error) {
	switch sourceType {
	case "mysql":
		cfg, err := mysql.ParseDSN(connectionString)
		if err != nil {
			return "", fmt.Errorf("failed to parse connection string: %w", err)
		}
		return cfg.Addr, nil
	case "sqlserver":
		if strings.Contains(connectionString, "://") {
			u, err := url.Parse(connectionString)
			if err != nil {
				return "", fmt.Errorf("failed to parse connection string: %w", err)
			}
			return u.Host, nil
		}
		// ADO style: server=host,port;user id=...
		for _, part := range strings.Split(connectionString, ";") {
			key, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "server", "data source", "address", "addr":
				return strings.TrimPrefix(strings.TrimSpace(value), "tcp:"), nil
			}
		}
		return "", fmt.Errorf("server name not found in connection string")
	default:
		return "", fmt.Errorf("unsupported source type: %s", sourceType)
	}
}

// isIPAddress checks if a string is an IP address or part of one (like '127')
func isIPAddress(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	if num, err := strconv.Atoi(host); err == nil {
		return num >= 0 && num <= 255
	}

	// partial addresses such as '127.0'
	parts := strings.Split(host, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return false
	}
	for _, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil || num < 0 || num > 255 {
			return false
		}
	}
	return true
}
