// Package price resolves token quotes from the DexScreener public API.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"token-alert-bot/internal/types"
)

const DefaultBaseURL = "https://api.dexscreener.com"

type Config struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSecond caps outgoing requests; zero disables the limiter.
	RatePerSecond float64
}

// Client implements the engine's quote source.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(c Config) *Client {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if c.RatePerSecond > 0 {
		burst := int(c.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(c.RatePerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(c.BaseURL, "/"),
		timeout:    c.Timeout,
		httpClient: &http.Client{Timeout: c.Timeout},
		limiter:    limiter,
	}
}

type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	URL         string `json:"url"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD    string             `json:"priceUsd"`
	PriceChange map[string]float64 `json:"priceChange"`
	Liquidity   *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	MarketCap float64 `json:"marketCap"`
	FDV       float64 `json:"fdv"`
}

var changeKeys = map[string]types.Timeframe{
	"m5":  types.Timeframe5m,
	"h1":  types.Timeframe1h,
	"h6":  types.Timeframe6h,
	"h24": types.Timeframe24h,
}

// Resolve fetches the current quote for token. Every failure, including a
// token with no usable pairs, is reported as types.ErrQuoteUnavailable.
func (c *Client) Resolve(ctx context.Context, token types.Token) (*types.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, unavailable(token, "rate limit wait: %v", err)
		}
	}

	endpoint := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, url.PathEscape(token.Address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, unavailable(token, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(token, "request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(token, "unexpected status %d", resp.StatusCode)
	}

	var body tokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, unavailable(token, "decode: %v", err)
	}

	best, ok := selectPair(body.Pairs, token)
	if !ok {
		return nil, unavailable(token, "no pairs found")
	}

	q, err := toQuote(best)
	if err != nil {
		return nil, unavailable(token, "%v", err)
	}
	q.FetchedAt = time.Now()

	log.WithFields(log.Fields{"token": q.Token.String(), "pair": best.PairAddress, "price": best.PriceUSD}).
		Debug("Quote resolved")
	return q, nil
}

// selectPair keeps pairs quoting token as their base token (on the requested
// chain, when known) and returns the one with the deepest USD liquidity.
// Ties keep the earlier pair.
func selectPair(pairs []pair, token types.Token) (pair, bool) {
	var (
		best  pair
		found bool
	)
	for _, p := range pairs {
		if !token.SameAddress(p.BaseToken.Address) {
			continue
		}
		if token.Chain != "" && !strings.EqualFold(p.ChainID, token.Chain) {
			continue
		}
		if !found || liquidity(p) > liquidity(best) {
			best = p
			found = true
		}
	}
	return best, found
}

func liquidity(p pair) float64 {
	if p.Liquidity == nil {
		return 0
	}
	return p.Liquidity.USD
}

func toQuote(p pair) (*types.Quote, error) {
	priceUSD, err := strconv.ParseFloat(p.PriceUSD, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse price %q", p.PriceUSD)
	}
	if math.IsNaN(priceUSD) || math.IsInf(priceUSD, 0) || priceUSD <= 0 {
		return nil, errors.Errorf("unusable price %v", priceUSD)
	}

	changes := make(map[types.Timeframe]float64, len(p.PriceChange))
	for key, v := range p.PriceChange {
		if tf, ok := changeKeys[key]; ok {
			changes[tf] = v
		}
	}

	marketCap := p.MarketCap
	if marketCap == 0 {
		marketCap = p.FDV
	}

	return &types.Quote{
		Token:       types.Token{Chain: strings.ToLower(p.ChainID), Address: p.BaseToken.Address},
		Name:        p.BaseToken.Name,
		Symbol:      p.BaseToken.Symbol,
		PriceUSD:    priceUSD,
		PriceChange: changes,
		MarketCap:   marketCap,
		Liquidity:   liquidity(p),
		PairAddress: p.PairAddress,
		DexID:       p.DexID,
		URL:         p.URL,
	}, nil
}

func unavailable(token types.Token, format string, args ...interface{}) error {
	return errors.Wrapf(types.ErrQuoteUnavailable, "%s: %s", token.String(), fmt.Sprintf(format, args...))
}
