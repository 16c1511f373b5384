// Package proxy maintains a pool of validated, health-tracked forward
// proxies. The browser contexts (and optionally the plain fetcher) lease
// endpoints least-recently-used first; endpoints that keep failing are
// retired and the pool refreshes itself from its source when it runs low.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// Source yields candidate proxy endpoints. Implementations only load and
// parse; validation is the pool's job.
type Source interface {
	Load(ctx context.Context) ([]harvest.Proxy, error)
	Name() string
}

// StaticSource serves a fixed endpoint list.
type StaticSource struct {
	endpoints []string
}

// NewStaticSource wraps a literal endpoint list, one "host:port" or
// "scheme://host:port" per element.
func NewStaticSource(endpoints []string) *StaticSource {
	return &StaticSource{endpoints: endpoints}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Load(_ context.Context) ([]harvest.Proxy, error) {
	return parseEndpoints(s.endpoints)
}

// FileSource reads endpoints from a text file, one per line. Blank lines
// and lines starting with # are skipped, so the file can carry comments.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Load(_ context.Context) ([]harvest.Proxy, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open proxy source: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read proxy source: %w", err)
	}
	return parseEndpoints(lines)
}

func parseEndpoints(lines []string) ([]harvest.Proxy, error) {
	proxies := make([]harvest.Proxy, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		px, err := parseEndpoint(line)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, px)
	}
	return proxies, nil
}

func parseEndpoint(raw string) (harvest.Proxy, error) {
	protocol := "http"
	addr := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		protocol = strings.ToLower(raw[:i])
		addr = raw[i+3:]
	}
	switch protocol {
	case "http", "https", "socks5":
	default:
		return harvest.Proxy{}, fmt.Errorf("proxy %q: unsupported protocol %q", raw, protocol)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return harvest.Proxy{}, fmt.Errorf("proxy %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return harvest.Proxy{}, fmt.Errorf("proxy %q: invalid port %q", raw, portStr)
	}
	return harvest.Proxy{Host: host, Port: port, Protocol: protocol, Active: true}, nil
}
