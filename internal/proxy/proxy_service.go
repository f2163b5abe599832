package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	UpdateInterval = 30 * time.Minute
	FetchTimeout   = 15 * time.Second

	// Default protocol for bare IP:PORT entries
	DefaultProtocol = "socks5"
)

// ProxyService supplies fallback proxies for exchange dials that come back 403.
// The list is the static configuration plus an optional remote list refreshed
// in the background; the last proxy that worked is shared by every client.
type ProxyService struct {
	logger     *logrus.Logger
	static     []string
	listURL    string
	proxyList  []string
	lastUpdate time.Time
	mu         sync.RWMutex
	httpClient *http.Client

	workingProxy   string
	workingProxyMu sync.RWMutex
}

func NewProxyService(static []string, listURL string, logger *logrus.Logger) *ProxyService {
	valid := make([]string, 0, len(static))
	for _, p := range static {
		if isValidProxyURL(p) {
			valid = append(valid, p)
		} else {
			logger.WithField("proxy", p).Warn("Ignoring malformed proxy URL")
		}
	}
	return &ProxyService{
		logger:    logger,
		static:    valid,
		listURL:   listURL,
		proxyList: valid,
		httpClient: &http.Client{
			Timeout: FetchTimeout,
		},
	}
}

// Start fetches the remote list (if configured) and keeps it fresh until ctx ends
func (p *ProxyService) Start(ctx context.Context) {
	if p.listURL == "" {
		return
	}
	if err := p.fetchProxies(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to fetch initial proxy list, using static proxies")
	}

	go func() {
		ticker := time.NewTicker(UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.fetchProxies(ctx); err != nil {
					p.logger.WithError(err).Error("Failed to update proxy list")
				}
			}
		}
	}()
}

func (p *ProxyService) fetchProxies(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.listURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch proxy list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	remote, err := ParseProxyList(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse proxy list: %w", err)
	}
	if len(remote) == 0 {
		return fmt.Errorf("no proxies found in response")
	}

	p.mu.Lock()
	p.proxyList = append(append([]string(nil), p.static...), remote...)
	p.lastUpdate = time.Now()
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"proxy_count": len(remote),
		"static":      len(p.static),
	}).Info("Successfully updated proxy list")
	return nil
}

// ParseProxyList reads one proxy per line. Bare IP:PORT entries get the socks5 scheme.
func ParseProxyList(body io.Reader) ([]string, error) {
	var proxies []string
	scanner := bufio.NewScanner(body)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		proxyURL := line
		if !strings.Contains(line, "://") {
			proxyURL = DefaultProtocol + "://" + line
		}
		if isValidProxyURL(proxyURL) {
			proxies = append(proxies, proxyURL)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading proxy list: %w", err)
	}
	return proxies, nil
}

func isValidProxyURL(proxyURL string) bool {
	parts := strings.SplitN(proxyURL, "://", 2)
	if len(parts) != 2 {
		return false
	}

	switch strings.ToLower(parts[0]) {
	case "http", "https", "socks5":
	default:
		return false
	}

	hostPort := strings.Split(parts[1], ":")
	return len(hostPort) == 2 && hostPort[0] != "" && hostPort[1] != ""
}

// SetWorkingProxy stores a proxy that successfully connected
func (p *ProxyService) SetWorkingProxy(proxy string) {
	p.workingProxyMu.Lock()
	defer p.workingProxyMu.Unlock()

	if p.workingProxy != proxy {
		p.workingProxy = proxy
		p.logger.WithField("proxy", proxy).Info("✅ Working proxy updated - all clients will now try it first")
	}
}

// GetWorkingProxy returns the last successfully connected proxy
func (p *ProxyService) GetWorkingProxy() string {
	p.workingProxyMu.RLock()
	defer p.workingProxyMu.RUnlock()
	return p.workingProxy
}

// GetProxyListWithWorkingFirst returns proxy list with the working proxy first
func (p *ProxyService) GetProxyListWithWorkingFirst() []string {
	p.mu.RLock()
	list := make([]string, len(p.proxyList))
	copy(list, p.proxyList)
	p.mu.RUnlock()

	working := p.GetWorkingProxy()
	if working == "" {
		return list
	}

	result := make([]string, 0, len(list)+1)
	result = append(result, working)
	for _, proxy := range list {
		if proxy != working {
			result = append(result, proxy)
		}
	}
	return result
}

// GetProxyInfo reports list size and freshness for the stats endpoint
func (p *ProxyService) GetProxyInfo() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"proxy_count":   len(p.proxyList),
		"last_update":   p.lastUpdate,
		"working_proxy": p.GetWorkingProxy(),
	}
}
