package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chartfeed/internal/metrics"
	"chartfeed/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	exchangeInfoPath = "/api/v3/exchangeInfo"
	klinesPath       = "/api/v3/klines"
)

// SymbolMeta is one tradable symbol from the exchange metadata listing.
type SymbolMeta struct {
	Symbol     string         `json:"symbol" validate:"required"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset" validate:"required"`
	QuoteAsset string         `json:"quoteAsset" validate:"required"`
	Filters    []SymbolFilter `json:"filters"`
}

// SymbolFilter is one trading rule attached to a symbol. Only tick sizes are read.
type SymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
}

// TickSize returns the PRICE_FILTER tick size, falling back to the first filter.
func (s SymbolMeta) TickSize() decimal.Decimal {
	raw := ""
	for _, f := range s.Filters {
		if f.FilterType == "PRICE_FILTER" {
			raw = f.TickSize
			break
		}
	}
	if raw == "" && len(s.Filters) > 0 {
		raw = s.Filters[0].TickSize
	}
	tick, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return tick
}

// exchangeInfo is the subset of the metadata response the feed uses.
type exchangeInfo struct {
	Symbols []SymbolMeta `json:"symbols"`
}

// KlineQuery describes one historical bar request.
type KlineQuery struct {
	Symbol   string
	Interval string
	Limit    int
	Start    time.Time // zero means unbounded
	End      time.Time // zero means unbounded
}

// klineRow is the validated OHLCV prefix of one kline row.
type klineRow struct {
	OpenTime int64  `validate:"gt=0"`
	Open     string `validate:"required,numeric"`
	High     string `validate:"required,numeric"`
	Low      string `validate:"required,numeric"`
	Close    string `validate:"required,numeric"`
	Volume   string `validate:"required,numeric"`
}

// RESTClient issues read-only requests to the exchange REST API.
//
// Every request waits on a shared rate limiter and runs through a circuit
// breaker; all failures are reported wrapped in model.ErrNetwork.
type RESTClient struct {
	config   ExchangeConfig
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[[]byte]
	validate *validator.Validate
}

// NewRESTClient creates a REST client. A nil config uses the Binance defaults.
func NewRESTClient(cfg *ExchangeConfig) (*RESTClient, error) {
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}
	if err := validateConfig(cfg, &defaultBinanceConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "rest:" + cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &RESTClient{
		config:   *cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:  breaker,
		validate: validator.New(),
	}, nil
}

// Config returns the effective configuration.
func (rc *RESTClient) Config() ExchangeConfig {
	return rc.config
}

// ExchangeInfo fetches the exchange's tradable-symbol listing.
func (rc *RESTClient) ExchangeInfo(ctx context.Context) ([]SymbolMeta, error) {
	body, err := rc.get(ctx, exchangeInfoPath, nil)
	if err != nil {
		return nil, err
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: decode exchange info: %v", model.ErrNetwork, err)
	}

	symbols := make([]SymbolMeta, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if err := rc.validate.Struct(&s); err != nil {
			log.Warn().Err(err).Str("symbol", s.Symbol).Msg("skipping invalid symbol metadata")
			continue
		}
		symbols = append(symbols, s)
	}
	return symbols, nil
}

// Klines fetches up to q.Limit bars in exchange order.
//
// Rows that cannot be parsed are skipped and logged; the exchange's own time
// bounds are not trusted, so callers must filter the result themselves.
func (rc *RESTClient) Klines(ctx context.Context, q KlineQuery) ([]model.Bar, error) {
	params := url.Values{}
	params.Set("symbol", q.Symbol)
	params.Set("interval", q.Interval)
	limit := q.Limit
	if limit <= 0 || limit > rc.config.PageSize {
		limit = rc.config.PageSize
	}
	params.Set("limit", strconv.Itoa(limit))
	if !q.Start.IsZero() {
		params.Set("startTime", strconv.FormatInt(q.Start.UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		params.Set("endTime", strconv.FormatInt(q.End.UnixMilli(), 10))
	}

	body, err := rc.get(ctx, klinesPath, params)
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode klines: %v", model.ErrNetwork, err)
	}

	bars := make([]model.Bar, 0, len(rows))
	for i, raw := range rows {
		bar, err := rc.parseKlineRow(raw)
		if err != nil {
			log.Warn().Err(err).Int("row", i).Str("symbol", q.Symbol).Msg("skipping malformed kline row")
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// parseKlineRow converts [openTime, open, high, low, close, volume, ...] into a Bar.
func (rc *RESTClient) parseKlineRow(raw []json.RawMessage) (model.Bar, error) {
	if len(raw) < 6 {
		return model.Bar{}, fmt.Errorf("expected at least 6 fields, got %d", len(raw))
	}

	var row klineRow
	if err := json.Unmarshal(raw[0], &row.OpenTime); err != nil {
		return model.Bar{}, fmt.Errorf("open time: %w", err)
	}
	fields := []*string{&row.Open, &row.High, &row.Low, &row.Close, &row.Volume}
	for i, dst := range fields {
		if err := json.Unmarshal(raw[i+1], dst); err != nil {
			return model.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	if err := rc.validate.Struct(&row); err != nil {
		return model.Bar{}, err
	}

	volume, err := decimal.NewFromString(row.Volume)
	if err != nil {
		return model.Bar{}, err
	}
	return model.Bar{
		Time:   time.UnixMilli(row.OpenTime).UTC(),
		Open:   decimal.RequireFromString(row.Open),
		High:   decimal.RequireFromString(row.High),
		Low:    decimal.RequireFromString(row.Low),
		Close:  decimal.RequireFromString(row.Close),
		Volume: decimal.NewNullDecimal(volume),
	}, nil
}

// get performs one rate-limited, breaker-guarded GET and returns the body.
func (rc *RESTClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	start := time.Now()
	logger := log.With().Str("component", "rest").Str("path", path).Logger()

	body, err := rc.breaker.Execute(func() ([]byte, error) {
		if err := rc.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return rc.do(ctx, path, params)
	})
	metrics.ObserveREST(path, start, err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logger.Warn().Err(err).Msg("request rejected by circuit breaker")
		} else {
			logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("request failed")
		}
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w: GET %s: %v", model.ErrNetwork, model.ErrTimeout, path, err)
		}
		return nil, fmt.Errorf("%w: GET %s: %v", model.ErrNetwork, path, err)
	}

	logger.Debug().Int("bytes", len(body)).Dur("elapsed", time.Since(start)).Msg("request complete")
	return body, nil
}

func (rc *RESTClient) do(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := rc.config.RESTBaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := rc.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256))
	}
	return body, nil
}

// isTimeout reports whether err came from a deadline rather than a refused or failed request.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
