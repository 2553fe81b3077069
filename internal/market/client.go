package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/coinscope/internal/cache"
)

// Getter fetches a URL and returns its JSON body.
type Getter interface {
	Get(ctx context.Context, url string) (json.RawMessage, error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	Fetcher Getter
	Cache   *cache.ResponseCache
	// KeyByURL keys cache entries by the full upstream URL instead of the
	// endpoint string as supplied by the caller.
	KeyByURL bool
}

// Client reads the market-data API through a ResponseCache.
type Client struct {
	baseURL  string
	fetcher  Getter
	cache    *cache.ResponseCache
	keyByURL bool
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("market: fetcher required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("market: base URL required")
	}
	rc := opts.Cache
	if rc == nil {
		rc = cache.NewResponseCache(cache.Options{Name: "market"})
	}
	return &Client{baseURL: base, fetcher: opts.Fetcher, cache: rc, keyByURL: opts.KeyByURL}, nil
}

// NormalizeEndpoint guarantees a single leading slash.
func NormalizeEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "/") {
		return endpoint
	}
	return "/" + endpoint
}

// URL joins the base URL and endpoint.
func (c *Client) URL(endpoint string) string {
	return c.baseURL + NormalizeEndpoint(endpoint)
}

// Raw returns the upstream JSON for endpoint, served from cache while valid.
func (c *Client) Raw(ctx context.Context, endpoint string) (json.RawMessage, error) {
	target := c.URL(endpoint)
	key := endpoint
	if c.keyByURL {
		key = target
	}
	return c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return c.fetcher.Get(ctx, target)
	})
}

// Markets lists coins ordered by market cap.
func (c *Client) Markets(ctx context.Context, vsCurrency string, perPage int) ([]MarketCoin, error) {
	var coins []MarketCoin
	if err := c.decode(ctx, MarketsEndpoint(vsCurrency, "market_cap_desc", perPage), &coins); err != nil {
		return nil, err
	}
	return coins, nil
}

// Coin fetches the detail document for id.
func (c *Client) Coin(ctx context.Context, id string) (CoinDetail, error) {
	var detail CoinDetail
	if err := c.decode(ctx, CoinEndpoint(id), &detail); err != nil {
		return CoinDetail{}, err
	}
	return detail, nil
}

// MarketChart fetches price, cap, and volume history for id.
func (c *Client) MarketChart(ctx context.Context, id, vsCurrency, days string) (MarketChart, error) {
	var chart MarketChart
	if err := c.decode(ctx, MarketChartEndpoint(id, vsCurrency, days), &chart); err != nil {
		return MarketChart{}, err
	}
	return chart, nil
}

func (c *Client) decode(ctx context.Context, endpoint string, out any) error {
	payload, err := c.Raw(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("market: decode %s: %w", endpoint, err)
	}
	return nil
}

// MarketsEndpoint builds /coins/markets. The parameter order matches what the
// dashboard sends through the proxy so both share cache entries.
func MarketsEndpoint(vsCurrency, order string, perPage int) string {
	var b strings.Builder
	b.WriteString("/coins/markets?vs_currency=")
	b.WriteString(url.QueryEscape(vsCurrency))
	if order != "" {
		b.WriteString("&order=")
		b.WriteString(url.QueryEscape(order))
	}
	if perPage > 0 {
		b.WriteString("&per_page=")
		b.WriteString(strconv.Itoa(perPage))
	}
	return b.String()
}

func CoinEndpoint(id string) string {
	return "/coins/" + url.PathEscape(id)
}

func MarketChartEndpoint(id, vsCurrency, days string) string {
	return fmt.Sprintf("/coins/%s/market_chart?vs_currency=%s&days=%s",
		url.PathEscape(id), url.QueryEscape(vsCurrency), url.QueryEscape(days))
}
