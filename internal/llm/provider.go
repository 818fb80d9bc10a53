package llm

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/strandapp/strand/internal/config"
)

// httpClientTimeout bounds a whole request including the streamed body read.
const httpClientTimeout = 10 * time.Minute

// defaultHTTPClient is constructed once and shared read-only by adapters
// whose settings carry no proxy.
var defaultHTTPClient = &http.Client{Timeout: httpClientTimeout}

// NewProvider builds the adapter for a provider setting. The family set is
// closed; dispatch is a single lookup, not subclassing.
func NewProvider(setting config.ProviderSetting, model config.Model) (Provider, error) {
	if !setting.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", setting.ID)
	}

	client, err := newHTTPClient(setting.Proxy)
	if err != nil {
		return nil, err
	}

	switch setting.Family {
	case config.FamilyOpenAI:
		return NewOpenAIProvider(setting, model, client), nil
	case config.FamilyAnthropic:
		return NewAnthropicProvider(setting, model, client)
	case config.FamilyGoogle:
		return NewGeminiProvider(setting, model, client), nil
	default:
		return nil, fmt.Errorf("unknown provider family: %q", setting.Family)
	}
}

// newHTTPClient returns the shared default client, or a dedicated client
// routing through the configured HTTP proxy.
func newHTTPClient(proxy *config.ProxyConfig) (*http.Client, error) {
	if proxy == nil || proxy.Type == "" || proxy.Type == "none" {
		return defaultHTTPClient, nil
	}
	if proxy.Type != "http" {
		return nil, fmt.Errorf("unsupported proxy type: %q", proxy.Type)
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", proxy.Host, proxy.Port),
	}
	if proxy.Username != "" {
		proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
	}

	return &http.Client{
		Timeout: httpClientTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}, nil
}

// searchCapability resolves the model's effective native-search capability,
// honoring the per-model override from settings.
func searchCapability(familyNative bool, model config.Model) bool {
	if model.SearchOverride != nil {
		return *model.SearchOverride
	}
	return familyNative
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
