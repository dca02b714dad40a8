// Package directory resolves command targets against a user directory.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"

	"adrelay/internal/domain"
)

const userSelect = "id,displayName,userPrincipalName,mail,onPremisesSamAccountName,accountEnabled,department,jobTitle,lastPasswordChangeDateTime"

// GraphConfig configures the Microsoft Graph directory.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BaseURL      string   // defaults to https://graph.microsoft.com
	TokenURL     string   // defaults to the tenant's v2 token endpoint
	Domains      []string // UPN suffixes tried for bare usernames
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Graph looks users up through Microsoft Graph with an app-only token.
// Tokens are cached and refreshed by the oauth2 token source.
type Graph struct {
	baseURL string
	domains []string
	client  *http.Client
	logger  *slog.Logger
}

// NewGraph creates a Graph directory.
func NewGraph(cfg GraphConfig) (*Graph, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("graph directory: client id and secret are required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("graph directory: tenant id is required")
		}
		tokenURL = microsoft.AzureADEndpoint(cfg.TenantID).TokenURL
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)

	return &Graph{
		baseURL: baseURL,
		domains: cfg.Domains,
		client:  cc.Client(ctx),
		logger:  logger,
	}, nil
}

// ByUsername matches the UPN on each configured domain or the on-premises
// sAMAccountName.
func (g *Graph) ByUsername(ctx context.Context, username string) (*domain.TargetRecord, error) {
	name := odataQuote(username)
	var clauses []string
	for _, d := range g.domains {
		clauses = append(clauses, "userPrincipalName eq "+odataQuote(username+"@"+d))
	}
	clauses = append(clauses, "onPremisesSamAccountName eq "+name)

	rec, err := g.findFirst(ctx, strings.Join(clauses, " or "))
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}
	if rec == nil {
		g.logger.Info("user not found", "username", username)
	}
	return rec, nil
}

// ByEmail matches mail or UPN.
func (g *Graph) ByEmail(ctx context.Context, email string) (*domain.TargetRecord, error) {
	q := odataQuote(email)
	rec, err := g.findFirst(ctx, "mail eq "+q+" or userPrincipalName eq "+q)
	if err != nil {
		return nil, fmt.Errorf("lookup email %q: %w", email, err)
	}
	if rec == nil {
		g.logger.Info("user not found by email", "email", email)
	}
	return rec, nil
}

// Health verifies the app token and a minimal users query.
func (g *Graph) Health(ctx context.Context) error {
	_, err := g.query(ctx, url.Values{"$top": {"1"}, "$select": {"id"}})
	return err
}

type usersPage struct {
	Value []domain.TargetRecord `json:"value"`
}

func (g *Graph) findFirst(ctx context.Context, filter string) (*domain.TargetRecord, error) {
	page, err := g.query(ctx, url.Values{
		"$filter": {filter},
		"$select": {userSelect},
		"$count":  {"true"},
	})
	if err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	rec := page.Value[0]
	g.logger.Debug("user resolved", "display_name", rec.DisplayName, "upn", rec.UserPrincipalName)
	return &rec, nil
}

func (g *Graph) query(ctx context.Context, params url.Values) (*usersPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1.0/users?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	// Filtering on on-premises attributes is an advanced query.
	req.Header.Set("ConsistencyLevel", "eventual")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("graph API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page usersPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return &page, nil
}

// odataQuote renders s as an OData string literal.
func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
