package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/strandapp/strand/internal/config"
)

// CheckBalance queries a provider's remaining balance endpoint as configured
// in its BalanceConfig. The response value is located by walking the dotted
// result path through the JSON body.
func CheckBalance(ctx context.Context, setting config.ProviderSetting, client *http.Client) (float64, error) {
	if setting.Balance == nil || !setting.Balance.Enabled {
		return 0, fmt.Errorf("provider %s has no balance endpoint configured", setting.ID)
	}

	url := strings.TrimSuffix(setting.BaseURL, "/") + setting.Balance.Path
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	if setting.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+setting.APIKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, &TransportError{Err: fmt.Errorf("balance request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &TransportError{Err: fmt.Errorf("failed to read balance response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, classifyHTTPStatus(setting.Name, resp.StatusCode, string(body))
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, &ProtocolError{Provider: setting.Name, Detail: "invalid balance response", Err: err}
	}

	value, err := lookupJSONPath(payload, setting.Balance.ResultPath)
	if err != nil {
		return 0, &ProtocolError{Provider: setting.Name, Detail: err.Error()}
	}
	return value, nil
}

// lookupJSONPath walks a dotted path ("data.total_available") through nested
// JSON objects and coerces the leaf to a number.
func lookupJSONPath(payload any, path string) (float64, error) {
	current := payload
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("balance path %q: %q is not an object", path, key)
		}
		current, ok = obj[key]
		if !ok {
			return 0, fmt.Errorf("balance path %q: key %q not found", path, key)
		}
	}

	switch v := current.(type) {
	case float64:
		return v, nil
	case string:
		value, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("balance path %q: value %q is not numeric", path, v)
		}
		return value, nil
	default:
		return 0, fmt.Errorf("balance path %q: unsupported value type %T", path, current)
	}
}
