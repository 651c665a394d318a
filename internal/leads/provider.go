// Package leads supplies the contacts an agent should dial. Production pulls
// them from the CRM over HTTP; tests use the in-memory provider.
package leads

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
)

// Provider returns the leads currently eligible for an agent. Leads without a
// phone number are the provider's problem to exclude or the caller's to skip.
type Provider interface {
	FetchLeads(ctx context.Context, agentID string) ([]domain.Lead, error)
}

// HTTPProvider fetches leads from the CRM API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider against the given CRM base URL.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *HTTPProvider) FetchLeads(ctx context.Context, agentID string) ([]domain.Lead, error) {
	endpoint := fmt.Sprintf("%s/agents/%s/leads", p.baseURL, url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch leads for agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lead source returned status %d for agent %s", resp.StatusCode, agentID)
	}

	var payload struct {
		Leads []domain.Lead `json:"leads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode leads response: %w", err)
	}
	return payload.Leads, nil
}

// MemoryProvider serves a static lead list per agent.
type MemoryProvider struct {
	mu    sync.RWMutex
	leads map[string][]domain.Lead
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{leads: make(map[string][]domain.Lead)}
}

func (p *MemoryProvider) SetLeads(agentID string, leads []domain.Lead) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leads[agentID] = leads
}

func (p *MemoryProvider) FetchLeads(_ context.Context, agentID string) ([]domain.Lead, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.Lead, len(p.leads[agentID]))
	copy(out, p.leads[agentID])
	return out, nil
}
