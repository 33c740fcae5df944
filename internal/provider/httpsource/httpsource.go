// Package httpsource adapts any JSON-over-HTTP market-data endpoint into a
// provider.Source using a URL template and a field mapping.
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketarbiter/internal/httpx"
	"marketarbiter/internal/provider"
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=httpsource_test -destination=mock_http_client_test.go -source=httpsource.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrUnsupported is returned for data types outside Config.Capabilities.
var ErrUnsupported = errors.New("data type not supported")

// Config describes one endpoint.
type Config struct {
	Name string `json:"name" yaml:"name"`
	// URL may reference {symbol}, {market}, {asset_type} and {data_type}.
	URL          string              `json:"url" yaml:"url"`
	Capabilities []provider.DataType `json:"capabilities" yaml:"capabilities"`
	// DataPath is a dotted path to the object holding the fields; empty means the root.
	DataPath string `json:"data_path" yaml:"data_path"`
	// Fields maps output names to dotted paths inside the data object.
	// Empty keeps every top-level field.
	Fields map[string]string `json:"fields" yaml:"fields"`
	// TimestampField is a dotted path inside the data object holding the
	// upstream timestamp as unix seconds, unix milliseconds or RFC 3339.
	TimestampField string `json:"timestamp_field" yaml:"timestamp_field"`
	// Symbols rewrites canonical symbols into the upstream's spelling.
	Symbols map[string]string `json:"symbols" yaml:"symbols"`
}

type Source struct {
	cfg        Config
	httpClient HTTPClient
	header     http.Header
	caps       map[provider.DataType]struct{}
	now        func() time.Time
}

// Option configures a Source.
type Option func(*Source)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c HTTPClient) Option {
	return func(s *Source) { s.httpClient = c }
}

// WithHeader adds headers sent with each request.
func WithHeader(header http.Header) Option {
	return func(s *Source) {
		for key, values := range header {
			for _, value := range values {
				s.header.Add(key, value)
			}
		}
	}
}

// WithClock replaces time.Now for responses without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

func New(cfg Config, opts ...Option) (*Source, error) {
	if cfg.Name == "" {
		return nil, errors.New("httpsource: name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("httpsource %s: url is required", cfg.Name)
	}
	s := &Source{
		cfg:        cfg,
		httpClient: httpx.New(0),
		header:     http.Header{},
		caps:       make(map[provider.DataType]struct{}, len(cfg.Capabilities)),
		now:        time.Now,
	}
	for _, c := range cfg.Capabilities {
		s.caps[c] = struct{}{}
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Source) Name() string { return s.cfg.Name }

// Capabilities returns the configured data types.
func (s *Source) Capabilities() []provider.DataType { return s.cfg.Capabilities }

func (s *Source) Fetch(ctx context.Context, asset provider.Asset, dataType provider.DataType) (provider.Response, error) {
	if len(s.caps) > 0 {
		if _, ok := s.caps[dataType]; !ok {
			return provider.Response{}, fmt.Errorf("%w: %s", ErrUnsupported, dataType)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.buildURL(asset, dataType), nil)
	if err != nil {
		return provider.Response{}, fmt.Errorf("creating request: %w", err)
	}
	for key, values := range s.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return provider.Response{}, fmt.Errorf("performing request: %w", err)
	}
	var body any
	if err := httpx.DecodeJSON(res, &body); err != nil {
		return provider.Response{}, err
	}

	obj, ok := lookup(body, s.cfg.DataPath).(map[string]any)
	if !ok {
		return provider.Response{}, fmt.Errorf("no object at %q", s.cfg.DataPath)
	}

	data := make(map[string]any)
	if len(s.cfg.Fields) == 0 {
		for k, v := range obj {
			if v != nil && k != s.cfg.TimestampField {
				data[k] = v
			}
		}
	} else {
		for out, path := range s.cfg.Fields {
			if v := lookup(obj, path); v != nil {
				data[out] = v
			}
		}
	}

	fetchedAt := s.now().UTC()
	if s.cfg.TimestampField != "" {
		if ts, ok := parseTimestamp(lookup(obj, s.cfg.TimestampField)); ok {
			fetchedAt = ts
		}
	}
	return provider.Response{Data: data, FieldsPresent: provider.FieldsOf(data), FetchedAt: fetchedAt}, nil
}

func (s *Source) buildURL(asset provider.Asset, dataType provider.DataType) string {
	symbol := asset.Symbol
	if alias, ok := s.cfg.Symbols[symbol]; ok {
		symbol = alias
	}
	r := strings.NewReplacer(
		"{symbol}", url.PathEscape(symbol),
		"{market}", url.PathEscape(asset.Market),
		"{asset_type}", url.PathEscape(string(asset.Type)),
		"{data_type}", url.PathEscape(string(dataType)),
	)
	return r.Replace(s.cfg.URL)
}

// lookup walks a dotted path through nested objects; numeric segments index arrays.
func lookup(v any, path string) any {
	if path == "" {
		return v
	}
	for _, part := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

func parseTimestamp(v any) (time.Time, bool) {
	var n json.Number
	switch x := v.(type) {
	case json.Number:
		n = x
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t.UTC(), true
		}
		n = json.Number(x)
	default:
		return time.Time{}, false
	}
	f, err := n.Float64()
	if err != nil || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
}
