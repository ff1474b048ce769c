package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/feedbox/billing/internal/gateway"
)

// DNSProvider manages subdomain records in the root zone.
type DNSProvider interface {
	CreateRecord(ctx context.Context, name, target string) (string, error)
	// DeleteRecord succeeds when the record is already gone.
	DeleteRecord(ctx context.Context, id string) error
	// FindRecord returns "" when no record exists for name.
	FindRecord(ctx context.Context, name string) (string, error)
}

// HostingProvider attaches tenant domains to the hosting project.
type HostingProvider interface {
	AddDomain(ctx context.Context, domain string) error
	// RemoveDomain succeeds when the domain is already detached.
	RemoveDomain(ctx context.Context, domain string) error
}

// CloudflareConfig configures the Cloudflare DNS client.
type CloudflareConfig struct {
	BaseURL  string
	APIToken string
	ZoneID   string
	Proxied  bool
	Timeout  time.Duration
	Client   *http.Client
}

// Cloudflare creates CNAME records through the Cloudflare v4 API.
type Cloudflare struct {
	api     *gateway.JSONClient
	zoneID  string
	proxied bool
}

// NewCloudflare constructs a Cloudflare DNS client.
func NewCloudflare(cfg CloudflareConfig) *Cloudflare {
	return &Cloudflare{
		api: &gateway.JSONClient{
			Gateway: "cloudflare",
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{"Authorization": "Bearer " + cfg.APIToken},
			Timeout: cfg.Timeout,
			Client:  cfg.Client,
		},
		zoneID:  cfg.ZoneID,
		proxied: cfg.Proxied,
	}
}

type cloudflareRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

func (c *Cloudflare) CreateRecord(ctx context.Context, name, target string) (string, error) {
	var resp struct {
		Success bool             `json:"success"`
		Result  cloudflareRecord `json:"result"`
	}
	record := cloudflareRecord{Type: "CNAME", Name: name, Content: target, Proxied: c.proxied, TTL: 1}
	if err := c.api.Do(ctx, "create record", http.MethodPost, "/zones/"+url.PathEscape(c.zoneID)+"/dns_records", record, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.Result.ID == "" {
		return "", fmt.Errorf("cloudflare: create record %s: empty result", name)
	}
	return resp.Result.ID, nil
}

func (c *Cloudflare) DeleteRecord(ctx context.Context, id string) error {
	err := c.api.Do(ctx, "delete record", http.MethodDelete, "/zones/"+url.PathEscape(c.zoneID)+"/dns_records/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Cloudflare) FindRecord(ctx context.Context, name string) (string, error) {
	var resp struct {
		Result []cloudflareRecord `json:"result"`
	}
	query := url.Values{"type": {"CNAME"}, "name": {name}}
	if err := c.api.Do(ctx, "find record", http.MethodGet, "/zones/"+url.PathEscape(c.zoneID)+"/dns_records?"+query.Encode(), nil, &resp); err != nil {
		return "", err
	}
	for _, record := range resp.Result {
		if record.Name == name {
			return record.ID, nil
		}
	}
	return "", nil
}

// VercelConfig configures the Vercel hosting client.
type VercelConfig struct {
	BaseURL   string
	APIToken  string
	ProjectID string
	TeamID    string
	Timeout   time.Duration
	Client    *http.Client
}

// Vercel attaches domains to a Vercel project.
type Vercel struct {
	api       *gateway.JSONClient
	projectID string
	teamID    string
}

// NewVercel constructs a Vercel hosting client.
func NewVercel(cfg VercelConfig) *Vercel {
	return &Vercel{
		api: &gateway.JSONClient{
			Gateway: "vercel",
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{"Authorization": "Bearer " + cfg.APIToken},
			Timeout: cfg.Timeout,
			Client:  cfg.Client,
		},
		projectID: cfg.ProjectID,
		teamID:    cfg.TeamID,
	}
}

func (v *Vercel) path(p string) string {
	if v.teamID == "" {
		return p
	}
	return p + "?" + url.Values{"teamId": {v.teamID}}.Encode()
}

func (v *Vercel) AddDomain(ctx context.Context, domain string) error {
	body := map[string]string{"name": domain}
	return v.api.Do(ctx, "add domain", http.MethodPost, v.path("/v10/projects/"+url.PathEscape(v.projectID)+"/domains"), body, nil)
}

func (v *Vercel) RemoveDomain(ctx context.Context, domain string) error {
	err := v.api.Do(ctx, "remove domain", http.MethodDelete, v.path("/v9/projects/"+url.PathEscape(v.projectID)+"/domains/"+url.PathEscape(domain)), nil, nil)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil
	}
	return err
}
