package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DomainResolver maps an on-chain address to a human-readable domain
// name, when one exists. Lookups are best-effort enrichment; failures
// never block donation completion.
type DomainResolver interface {
	ResolveDomain(ctx context.Context, address string) (string, error)
}

// SNSResolver resolves .sol domains through a Solana Name Service HTTP
// API (reverse lookup by owner address).
type SNSResolver struct {
	endpoint string
	client   *http.Client
}

var _ DomainResolver = (*SNSResolver)(nil)

func NewSNSResolver(endpoint string) *SNSResolver {
	return &SNSResolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *SNSResolver) ResolveDomain(ctx context.Context, address string) (string, error) {
	reqURL := fmt.Sprintf("%s/owners/%s/domains", r.endpoint, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build domain lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("domain lookup failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			zap.L().Warn("Failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("domain lookup returned status %d", resp.StatusCode)
	}

	var payload struct {
		Result []string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode domain lookup response: %w", err)
	}
	if len(payload.Result) == 0 {
		return "", nil
	}
	return payload.Result[0] + ".sol", nil
}

// NoopResolver disables domain enrichment.
type NoopResolver struct{}

var _ DomainResolver = (*NoopResolver)(nil)

func (NoopResolver) ResolveDomain(context.Context, string) (string, error) {
	return "", nil
}
