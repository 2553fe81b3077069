package market

import (
	"maps"
	"slices"
)

// MarketCoin is one row of /coins/markets.
type MarketCoin struct {
	ID                       string   `json:"id"`
	Symbol                   string   `json:"symbol"`
	Name                     string   `json:"name"`
	Image                    string   `json:"image"`
	CurrentPrice             float64  `json:"current_price"`
	MarketCap                float64  `json:"market_cap"`
	MarketCapRank            int      `json:"market_cap_rank"`
	TotalVolume              float64  `json:"total_volume"`
	PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
}

// CoinDetail is the subset of /coins/{id} the dashboard reads.
type CoinDetail struct {
	ID         string            `json:"id"`
	Symbol     string            `json:"symbol"`
	Name       string            `json:"name"`
	Platforms  map[string]string `json:"platforms"`
	Links      CoinLinks         `json:"links"`
	Image      CoinImage         `json:"image"`
	MarketData CoinMarketData    `json:"market_data"`
	Tokenomics *Tokenomics       `json:"tokenomics,omitempty"`
}

type CoinLinks struct {
	Homepage []string  `json:"homepage"`
	ReposURL RepoLinks `json:"repos_url"`
}

type RepoLinks struct {
	GitHub    []string `json:"github"`
	Bitbucket []string `json:"bitbucket"`
}

type CoinImage struct {
	Thumb string `json:"thumb"`
	Small string `json:"small"`
	Large string `json:"large"`
}

// CoinMarketData holds per-currency figures keyed by lowercase currency code.
type CoinMarketData struct {
	CurrentPrice                      map[string]float64 `json:"current_price"`
	MarketCap                         map[string]float64 `json:"market_cap"`
	TotalVolume                       map[string]float64 `json:"total_volume"`
	CirculatingSupply                 *float64           `json:"circulating_supply"`
	TotalSupply                       *float64           `json:"total_supply"`
	PriceChangePercentage7dInCurrency map[string]float64 `json:"price_change_percentage_7d_in_currency"`
}

type Tokenomics struct {
	Vesting *Vesting `json:"vesting,omitempty"`
}

// Vesting carries the locked and scheduled token amounts.
type Vesting struct {
	Locked   float64 `json:"locked"`
	Schedule float64 `json:"schedule"`
}

// MarketChart is /coins/{id}/market_chart. Each point is [unix millis, value].
type MarketChart struct {
	Prices       [][2]float64 `json:"prices"`
	MarketCaps   [][2]float64 `json:"market_caps"`
	TotalVolumes [][2]float64 `json:"total_volumes"`
}

// CoinSummary is the dashboard's read-only view of a coin.
type CoinSummary struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Symbol          string  `json:"symbol"`
	Price           float64 `json:"price"`
	MarketCap       float64 `json:"marketCap"`
	Image           string  `json:"image"`
	ContractAddress string  `json:"contractAddress,omitempty"`
	RepoURL         string  `json:"repoUrl,omitempty"`
}

// Summarize projects market rows into summaries, preserving order.
func Summarize(coins []MarketCoin) []CoinSummary {
	out := make([]CoinSummary, 0, len(coins))
	for _, coin := range coins {
		out = append(out, CoinSummary{
			ID:        coin.ID,
			Name:      coin.Name,
			Symbol:    coin.Symbol,
			Price:     coin.CurrentPrice,
			MarketCap: coin.MarketCap,
			Image:     coin.Image,
		})
	}
	return out
}

// SummaryFromDetail projects a coin detail. The contract address prefers the
// ethereum platform, then the first other platform by name; the repo is the
// first github link.
func SummaryFromDetail(detail CoinDetail, vsCurrency string) CoinSummary {
	summary := CoinSummary{
		ID:        detail.ID,
		Name:      detail.Name,
		Symbol:    detail.Symbol,
		Price:     detail.MarketData.CurrentPrice[vsCurrency],
		MarketCap: detail.MarketData.MarketCap[vsCurrency],
		Image:     detail.Image.Large,
	}
	if addr := detail.Platforms["ethereum"]; addr != "" {
		summary.ContractAddress = addr
	} else {
		for _, platform := range slices.Sorted(maps.Keys(detail.Platforms)) {
			if addr := detail.Platforms[platform]; addr != "" {
				summary.ContractAddress = addr
				break
			}
		}
	}
	for _, repo := range detail.Links.ReposURL.GitHub {
		if repo != "" {
			summary.RepoURL = repo
			break
		}
	}
	return summary
}
