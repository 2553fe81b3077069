package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/coinscope/internal/fetch"
	"github.com/l0p7/coinscope/internal/templates"
)

// DefaultLiquidityQuery lists the Uniswap pools whose token0 is the token.
const DefaultLiquidityQuery = `{
  pools(where: { token0: {{ gqlString .tokenAddress }} }) {
    id
    liquidity
    volumeUSD
  }
}`

// GraphQuerier posts a request and returns the JSON response.
type GraphQuerier interface {
	Do(ctx context.Context, req fetch.Request) (json.RawMessage, error)
}

// Pool is one subgraph pool. Liquidity arrives as a decimal string from the
// subgraph but plain numbers are accepted too.
type Pool struct {
	ID        string     `json:"id"`
	Liquidity flexNumber `json:"liquidity"`
	VolumeUSD flexNumber `json:"volumeUSD"`
}

type graphResponse struct {
	Data struct {
		Pools []Pool `json:"pools"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*n = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("safety: parse number %q: %w", data, err)
	}
	*n = flexNumber(v)
	return nil
}

// LiquiditySource queries a subgraph for the pools of a token.
type LiquiditySource struct {
	graph    GraphQuerier
	graphURL string
	query    *templates.Template
}

// NewLiquiditySource compiles queryTemplate, falling back to DefaultLiquidityQuery when blank.
func NewLiquiditySource(graph GraphQuerier, graphURL, queryTemplate string) (*LiquiditySource, error) {
	if graph == nil {
		return nil, errors.New("safety: graph querier required")
	}
	if strings.TrimSpace(graphURL) == "" {
		return nil, errors.New("safety: graph URL required")
	}
	if strings.TrimSpace(queryTemplate) == "" {
		queryTemplate = DefaultLiquidityQuery
	}
	query, err := templates.NewRenderer().CompileInline("liquidity-query", queryTemplate)
	if err != nil {
		return nil, err
	}
	return &LiquiditySource{graph: graph, graphURL: graphURL, query: query}, nil
}

// Pools fetches the pools for tokenAddress.
func (s *LiquiditySource) Pools(ctx context.Context, tokenAddress string) ([]Pool, error) {
	query, err := s.query.Render(map[string]any{"tokenAddress": tokenAddress})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("safety: encode graph query: %w", err)
	}
	payload, err := s.graph.Do(ctx, fetch.Request{Method: http.MethodPost, URL: s.graphURL, Body: body})
	if err != nil {
		return nil, err
	}
	var resp graphResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("safety: decode graph response: %w", err)
	}
	if len(resp.Errors) > 0 && len(resp.Data.Pools) == 0 {
		return nil, fmt.Errorf("safety: graph query failed: %s", resp.Errors[0].Message)
	}
	return resp.Data.Pools, nil
}

func liquidityScore(pools []Pool) float64 {
	var total float64
	for _, pool := range pools {
		total += float64(pool.Liquidity)
	}
	return total / 1e6
}
