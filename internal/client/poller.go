// README: Polling fallback; reads order status over HTTP while the realtime session is down.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"courier/internal/types"
)

type Poller interface {
	Status(ctx context.Context, orderID types.ID) (string, error)
}

// HTTPPoller calls GET {BaseURL}/api/orders/{id}/status.
type HTTPPoller struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPPoller(baseURL, token string) *HTTPPoller {
	return &HTTPPoller{BaseURL: baseURL, Token: token, Client: &http.Client{Timeout: 10 * time.Second}}
}

type statusResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (p *HTTPPoller) Status(ctx context.Context, orderID types.ID) (string, error) {
	endpoint := fmt.Sprintf("%s/api/orders/%s/status", p.BaseURL, url.PathEscape(string(orderID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	return out.Status, nil
}
