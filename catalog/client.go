// Package catalog talks to the ERP's product REST API: paginated product
// listing, product groups and single-product price updates.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/rules"
	"github.com/shopspring/decimal"
)

// ErrUnexpectedStatus is returned for any non-2xx ERP response
var ErrUnexpectedStatus = errors.New("unexpected ERP response status")

const (
	DefaultPageSize = 100
	DefaultTimeout  = 30 * time.Second

	// ERP pages are capped server-side; asking for more is pointless
	maxPageSize = 500
	// guards against a server that never reports its last page
	maxPages = 10000
)

// Config holds the ERP endpoint and credentials
type Config struct {
	BaseURL           string
	AccessToken       string
	SecretAccessToken string
	PageSize          int
	Timeout           time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set
	HTTPClient *http.Client
}

// Filter narrows a product listing
type Filter struct {
	GroupID string
	Name    string
}

// Group is a product group as listed by the ERP
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Page is one page of a product listing
type Page struct {
	Products     []rules.Product
	Number       int
	TotalPages   int
	TotalRecords int
	// Skipped counts products dropped because their price did not parse
	Skipped int
}

// Client is an ERP catalog client, safe for concurrent use
type Client struct {
	baseURL    *url.URL
	access     string
	secret     string
	pageSize   int
	httpClient *http.Client
}

// NewClient validates cfg and creates a client
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("catalog base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid catalog base url %q", cfg.BaseURL)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    base,
		access:     cfg.AccessToken,
		secret:     cfg.SecretAccessToken,
		pageSize:   pageSize,
		httpClient: httpClient,
	}, nil
}

// ERP wire types

type productsResponse struct {
	Code   flexInt        `json:"code"`
	Status string         `json:"status"`
	Meta   productsMeta   `json:"meta"`
	Data   []productEntry `json:"data"`
}

type productsMeta struct {
	TotalRecords flexInt `json:"total_registros"`
	TotalPages   flexInt `json:"total_paginas"`
	CurrentPage  flexInt `json:"pagina_atual"`
}

type productEntry struct {
	ID        flexString `json:"id"`
	Name      string     `json:"nome"`
	GroupID   flexString `json:"grupo_id"`
	GroupName string     `json:"nome_grupo"`
	Stock     flexInt    `json:"estoque"`
	SellPrice flexString `json:"valor_venda"`
}

type groupEntry struct {
	ID   flexString `json:"id"`
	Name string     `json:"nome"`
}

type priceUpdate struct {
	SellPrice string `json:"valor_venda"`
}

func (e productEntry) toProduct() (rules.Product, error) {
	price, err := pricing.ParseAmount(string(e.SellPrice))
	if err != nil {
		return rules.Product{}, fmt.Errorf("product %s sell price: %w", e.ID, err)
	}
	return rules.Product{
		ID:           string(e.ID),
		Name:         e.Name,
		GroupID:      string(e.GroupID),
		GroupName:    e.GroupName,
		CurrentPrice: price,
		Stock:        int(e.Stock),
	}, nil
}

// FetchPage fetches one page (1-based) of products
func (c *Client) FetchPage(ctx context.Context, filter Filter, page int) (Page, error) {
	q := url.Values{}
	q.Set("pagina", strconv.Itoa(page))
	q.Set("limite", strconv.Itoa(c.pageSize))
	if filter.GroupID != "" {
		q.Set("grupo_id", filter.GroupID)
	}
	if filter.Name != "" {
		q.Set("nome", filter.Name)
	}

	var resp productsResponse
	if err := c.do(ctx, http.MethodGet, "/produtos", q, nil, &resp); err != nil {
		return Page{}, err
	}

	out := Page{
		Number:       page,
		TotalPages:   int(resp.Meta.TotalPages),
		TotalRecords: int(resp.Meta.TotalRecords),
		Products:     make([]rules.Product, 0, len(resp.Data)),
	}
	for _, entry := range resp.Data {
		p, err := entry.toProduct()
		if err != nil {
			out.Skipped++
			logger.Warn("skipping product with unreadable price", "product_id", string(entry.ID), "error", err)
			continue
		}
		out.Products = append(out.Products, p)
	}
	return out, nil
}

// FetchProducts walks every page and returns the full product list
func (c *Client) FetchProducts(ctx context.Context, filter Filter) ([]rules.Product, error) {
	var all []rules.Product
	skipped := 0

	for page := 1; page <= maxPages; page++ {
		p, err := c.FetchPage(ctx, filter, page)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch products page %d: %w", page, err)
		}
		all = append(all, p.Products...)
		skipped += p.Skipped

		if page >= p.TotalPages || len(p.Products)+p.Skipped == 0 {
			break
		}
	}

	logger.Debug("catalog fetched", "products", len(all), "skipped", skipped, "group_id", filter.GroupID)
	return all, nil
}

// FetchGroups lists product groups. The ERP answers either with a bare
// array or with the array under "data".
func (c *Client) FetchGroups(ctx context.Context) ([]Group, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/grupos_produtos", nil, nil, &raw); err != nil {
		return nil, err
	}

	var entries []groupEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var wrapped struct {
			Data []groupEntry `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode groups: %w", err)
		}
		entries = wrapped.Data
	}

	groups := make([]Group, 0, len(entries))
	for _, e := range entries {
		groups = append(groups, Group{ID: string(e.ID), Name: e.Name})
	}
	return groups, nil
}

// UpdateProductPrice sets a product's sell price. Repeating the same price is harmless.
func (c *Client) UpdateProductPrice(ctx context.Context, productID string, price decimal.Decimal) error {
	if productID == "" {
		return errors.New("product id is required")
	}
	if price.IsNegative() {
		return fmt.Errorf("price %s: %w", price, pricing.ErrInvalidInput)
	}

	body := priceUpdate{SellPrice: price.StringFixed(4)}
	return c.do(ctx, http.MethodPut, "/produtos/"+url.PathEscape(productID), nil, body, nil)
}

// do sends one authenticated request and decodes a JSON answer into out
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", c.access)
	req.Header.Set("secret-access-token", c.secret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %w: %d - %s", method, path, ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// flexString accepts a JSON string, number or null
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = ""
	case len(data) > 0 && data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
	default:
		*s = flexString(data)
	}
	return nil
}

// flexInt accepts an integer given as a number or a numeric string ("5", "5.000")
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if strings.TrimSpace(string(s)) == "" {
		*n = 0
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(string(s)))
	if err != nil {
		return fmt.Errorf("not a number: %s", data)
	}
	*n = flexInt(d.IntPart())
	return nil
}
