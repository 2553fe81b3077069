package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ErrInvalidAddress is returned for anything that is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("explorer: invalid address")

// ErrEmptyResult is returned when the explorer answers without a contract record.
var ErrEmptyResult = errors.New("explorer: empty result")

// APIError carries a status "0" answer from the explorer, such as an invalid key.
type APIError struct {
	Message string
	Result  string
}

func (e *APIError) Error() string {
	if e.Result != "" {
		return fmt.Sprintf("explorer: %s: %s", e.Message, e.Result)
	}
	return "explorer: " + e.Message
}

// Getter fetches a URL and returns its JSON body.
type Getter interface {
	Get(ctx context.Context, url string) (json.RawMessage, error)
}

// ContractSource is one record of action=getsourcecode.
type ContractSource struct {
	SourceCode      string `json:"SourceCode"`
	ABI             string `json:"ABI"`
	ContractName    string `json:"ContractName"`
	CompilerVersion string `json:"CompilerVersion"`
	Proxy           string `json:"Proxy"`
	Implementation  string `json:"Implementation"`
	LicenseType     string `json:"LicenseType"`
}

// TokenTransfer is one record of action=tokentx.
type TokenTransfer struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TimeStamp       string `json:"timeStamp"`
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Client talks to an etherscan-compatible API.
type Client struct {
	baseURL string
	apiKey  string
	fetcher Getter
}

func NewClient(baseURL, apiKey string, fetcher Getter) (*Client, error) {
	if fetcher == nil {
		return nil, errors.New("explorer: fetcher required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("explorer: base URL required")
	}
	return &Client{baseURL: strings.TrimSpace(baseURL), apiKey: apiKey, fetcher: fetcher}, nil
}

// ValidateAddress rejects malformed contract addresses before any upstream call.
func ValidateAddress(address string) error {
	if !addressPattern.MatchString(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return nil
}

// SourceCode fetches the verified source record for address.
func (c *Client) SourceCode(ctx context.Context, address string) (ContractSource, error) {
	var records []ContractSource
	if err := c.call(ctx, url.Values{
		"module":  {"contract"},
		"action":  {"getsourcecode"},
		"address": {address},
	}, &records); err != nil {
		return ContractSource{}, err
	}
	if len(records) == 0 {
		return ContractSource{}, ErrEmptyResult
	}
	return records[0], nil
}

// TokenTransfers lists ERC-20 transfers of the token at address.
func (c *Client) TokenTransfers(ctx context.Context, address string) ([]TokenTransfer, error) {
	var transfers []TokenTransfer
	if err := c.call(ctx, url.Values{
		"module":          {"account"},
		"action":          {"tokentx"},
		"contractaddress": {address},
	}, &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}

func (c *Client) call(ctx context.Context, params url.Values, out any) error {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	sep := "?"
	if strings.Contains(c.baseURL, "?") {
		sep = "&"
	}
	payload, err := c.fetcher.Get(ctx, c.baseURL+sep+params.Encode())
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("explorer: decode envelope: %w", err)
	}
	result := bytes.TrimSpace(env.Result)
	if len(result) > 0 && result[0] == '"' {
		var text string
		_ = json.Unmarshal(result, &text)
		return &APIError{Message: env.Message, Result: text}
	}
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		if env.Status == "0" {
			return &APIError{Message: env.Message}
		}
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("explorer: decode %s result: %w", params.Get("action"), err)
	}
	return nil
}
