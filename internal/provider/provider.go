package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AssetType classifies a tradable instrument.
type AssetType string

const (
	Equity    AssetType = "equity"
	Crypto    AssetType = "crypto"
	FX        AssetType = "fx"
	ETF       AssetType = "etf"
	Index     AssetType = "index"
	Commodity AssetType = "commodity"
)

// DataType names a capability a provider can serve.
type DataType string

const (
	Price        DataType = "price"
	Quote        DataType = "quote"
	OHLCV        DataType = "ohlcv"
	Fundamentals DataType = "fundamentals"
	FXRate       DataType = "fx_rate"
)

// Asset identifies an instrument. It is a value type and safe to use as a map key.
type Asset struct {
	Symbol string    `json:"symbol"`
	Type   AssetType `json:"asset_type"`
	Market string    `json:"market"`
}

func (a Asset) String() string {
	if a.Market == "" {
		return a.Symbol
	}
	return a.Symbol + "@" + a.Market
}

// Normalize upper-cases symbol and market and lower-cases the type.
func (a Asset) Normalize() Asset {
	return Asset{
		Symbol: strings.ToUpper(strings.TrimSpace(a.Symbol)),
		Type:   AssetType(strings.ToLower(strings.TrimSpace(string(a.Type)))),
		Market: strings.ToUpper(strings.TrimSpace(a.Market)),
	}
}

// Response is the normalized shape returned by all providers.
// FetchedAt is the upstream data timestamp, not the time the call returned.
type Response struct {
	Data          map[string]any `json:"data"`
	FieldsPresent []string       `json:"fields_present"`
	FetchedAt     time.Time      `json:"fetched_at"`
}

// Source is a single upstream market-data adapter.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset Asset, dataType DataType) (Response, error)
}

var (
	// ErrProviderTimeout marks a call that exceeded its per-call deadline.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrThrottled marks a call refused by a local rate limiter before it
	// reached the provider. It says nothing about the provider's health.
	ErrThrottled = errors.New("throttled locally")
)

// ProviderError wraps any failure returned by a Source.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify turns a raw Fetch error into a *ProviderError. A deadline hit by the
// per-call context becomes ErrProviderTimeout.
func Classify(name string, callCtx context.Context, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) && !errors.Is(err, context.DeadlineExceeded) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Provider: name, Err: fmt.Errorf("%w: %v", ErrProviderTimeout, err)}
	}
	return &ProviderError{Provider: name, Err: err}
}

// FieldsOf lists the keys of data that hold a non-nil value.
func FieldsOf(data map[string]any) []string {
	out := make([]string, 0, len(data))
	for k, v := range data {
		if v != nil {
			out = append(out, k)
		}
	}
	return out
}
