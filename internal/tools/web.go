package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/felix-agent/felix/internal/llm"
)

const (
	maxWebFetchChars = 10000
	webFetchReadCap  = 256 * 1024
)

type webFetcher struct {
	client    *http.Client
	checkHost func(ctx context.Context, host string) error
}

func newWebFetcher() *webFetcher {
	f := &webFetcher{checkHost: validateExternalHost}
	f.client = &http.Client{
		Timeout: maxSingleToolTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			if !strings.EqualFold(req.URL.Scheme, "https") {
				return fmt.Errorf("redirected to non-https URL")
			}
			return f.checkHost(req.Context(), req.URL.Hostname())
		},
	}
	return f
}

// WebFetchTool fetches public HTTPS pages. Internal and private hosts are
// refused.
func WebFetchTool() ToolExecutor {
	return newWebFetcher().executor()
}

func (f *webFetcher) executor() ToolExecutor {
	return toolExecutor{
		definition: llm.ToolDefinition{
			Name:        "webfetch",
			Description: "Fetch content from an HTTPS URL. Use this to get information from the web.",
			InputSchema: map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "URL to fetch content from",
				},
			},
			Required: []string{"url"},
		},
		run: f.fetch,
	}
}

func (f *webFetcher) fetch(ctx context.Context, input map[string]any) (string, error) {
	urlText := stringArg(input, "url")
	if strings.TrimSpace(urlText) == "" {
		return "", fmt.Errorf("missing required parameter: url")
	}

	parsedURL, err := url.Parse(urlText)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if !strings.EqualFold(parsedURL.Scheme, "https") {
		return "", fmt.Errorf("only https URLs are allowed")
	}
	host := parsedURL.Hostname()
	if host == "" {
		return "", fmt.Errorf("url must include a hostname")
	}
	if err := f.checkHost(ctx, host); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsedURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "felix-agent/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchReadCap))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	content := []rune(string(body))
	if len(content) > maxWebFetchChars {
		return string(content[:maxWebFetchChars]) + "\n\n[Content truncated]", nil
	}
	return string(content), nil
}

func validateExternalHost(ctx context.Context, host string) error {
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("localhost is blocked")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("internal IP is blocked")
		}
		return nil
	}

	resolver := net.Resolver{}
	resolved, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("dns lookup failed: %w", err)
	}
	if len(resolved) == 0 {
		return fmt.Errorf("host did not resolve")
	}
	for _, addr := range resolved {
		if isBlockedIP(addr.IP) {
			return fmt.Errorf("host resolves to blocked IP")
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
