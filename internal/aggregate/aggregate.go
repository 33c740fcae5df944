// Package aggregate merges successful responses from several providers into
// one record. All functions are pure and safe for concurrent use.
package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultConflictTolerance is the relative deviation above which a
// contributor is reported as conflicting.
const DefaultConflictTolerance = 0.02

// mergePlaces is the number of decimal places kept in merged numeric values.
const mergePlaces = 8

// Contribution is one provider's successful response together with its score total.
type Contribution struct {
	Provider  string
	Score     float64
	Data      map[string]any
	FetchedAt time.Time
}

// NumericValue is a single provider's numeric reading of a field.
type NumericValue struct {
	Provider string
	Value    decimal.Decimal
	Weight   float64
}

// CategoricalValue is a single provider's non-numeric reading of a field.
type CategoricalValue struct {
	Provider string
	Value    string
	Weight   float64
}

// Conflict reports a contributor whose value disagrees with the merged value.
type Conflict struct {
	Field     string  `json:"field"`
	Provider  string  `json:"provider"`
	Value     any     `json:"value"`
	Merged    any     `json:"merged"`
	Deviation float64 `json:"deviation"`
}

// Merged is the output of Merge.
type Merged struct {
	Data       map[string]any
	Sources    []string
	Conflicts  []Conflict
	Confidence float64
	FetchedAt  time.Time
}

// ToDecimal reports whether v holds a finite number and returns it.
// Numeric strings and json.Number values are accepted.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(x), true
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt32(x), true
	case int64:
		return decimal.NewFromInt(x), true
	case uint32:
		return decimal.NewFromInt(int64(x)), true
	case uint64:
		d, err := decimal.NewFromString(strconv.FormatUint(x, 10))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// referenceFields are checked in order to find the headline number of a record.
var referenceFields = []string{"price", "last", "close", "rate", "mid", "value"}

// Reference returns the headline numeric value of a record, used for move
// detection and volatility tracking.
func Reference(data map[string]any) (decimal.Decimal, bool) {
	for _, f := range referenceFields {
		if v, ok := data[f]; ok {
			if d, ok := ToDecimal(v); ok {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

// WeightedMean returns Σ(v·w)/Σw. Non-positive weights count as zero; when no
// weight is positive the plain mean is returned. ok is false for empty input.
func WeightedMean(values []NumericValue) (mean decimal.Decimal, ok bool) {
	if len(values) == 0 {
		return decimal.Decimal{}, false
	}
	num := decimal.Zero
	den := decimal.Zero
	for _, v := range values {
		if v.Weight <= 0 || math.IsNaN(v.Weight) || math.IsInf(v.Weight, 0) {
			continue
		}
		w := decimal.NewFromFloat(v.Weight)
		num = num.Add(v.Value.Mul(w))
		den = den.Add(w)
	}
	if den.IsZero() {
		sum := decimal.Zero
		for _, v := range values {
			sum = sum.Add(v.Value)
		}
		return sum.Div(decimal.NewFromInt(int64(len(values)))), true
	}
	return num.Div(den), true
}

// MajorityVote returns the value reported by the most providers. A tie goes
// to the value backed by the highest single weight, then to the value seen first.
func MajorityVote(values []CategoricalValue) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
	type tally struct {
		votes int
		best  float64
		first int
	}
	tallies := make(map[string]*tally, len(values))
	for i, v := range values {
		t, ok := tallies[v.Value]
		if !ok {
			t = &tally{best: math.Inf(-1), first: i}
			tallies[v.Value] = t
		}
		t.votes++
		if v.Weight > t.best {
			t.best = v.Weight
		}
	}
	var (
		winner string
		wt     *tally
	)
	for val, t := range tallies {
		switch {
		case wt == nil,
			t.votes > wt.votes,
			t.votes == wt.votes && t.best > wt.best,
			t.votes == wt.votes && t.best == wt.best && t.first < wt.first:
			winner, wt = val, t
		}
	}
	return winner, true
}

// RelativeDeviation returns |v-ref|/|ref|. When ref is zero the absolute
// difference is returned.
func RelativeDeviation(v, ref decimal.Decimal) float64 {
	diff := v.Sub(ref).Abs()
	if ref.IsZero() {
		return diff.InexactFloat64()
	}
	return diff.Div(ref.Abs()).InexactFloat64()
}

// DetectConflicts lists every value whose relative deviation from merged
// exceeds tolerance. A negative tolerance is treated as zero.
func DetectConflicts(field string, values []NumericValue, merged decimal.Decimal, tolerance float64) []Conflict {
	if tolerance < 0 {
		tolerance = 0
	}
	var out []Conflict
	for _, v := range values {
		dev := RelativeDeviation(v.Value, merged)
		if dev > tolerance {
			out = append(out, Conflict{
				Field:     field,
				Provider:  v.Provider,
				Value:     v.Value.String(),
				Merged:    merged.Round(mergePlaces).String(),
				Deviation: dev,
			})
		}
	}
	return out
}

// Merge combines contributions field by field. Numeric fields use the
// score-weighted mean, string and bool fields use MajorityVote, and any other
// value is taken from the highest-scoring contributor. When fields is empty
// the union of all contributed fields is merged.
//
// Sources are ordered by score, highest first. Confidence is the
// score-weighted mean of the contributors' totals scaled to [0,1]. FetchedAt
// is the oldest contributor timestamp.
func Merge(contribs []Contribution, fields []string, tolerance float64) Merged {
	ordered := make([]Contribution, len(contribs))
	copy(ordered, contribs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	out := Merged{Data: map[string]any{}}
	if len(ordered) == 0 {
		return out
	}

	var sumW, sumW2 float64
	for _, c := range ordered {
		out.Sources = append(out.Sources, c.Provider)
		s := math.Max(c.Score, 0)
		sumW += s
		sumW2 += s * s
		if !c.FetchedAt.IsZero() && (out.FetchedAt.IsZero() || c.FetchedAt.Before(out.FetchedAt)) {
			out.FetchedAt = c.FetchedAt
		}
	}
	if sumW > 0 {
		out.Confidence = clamp01(sumW2 / sumW / 100)
	}

	if len(fields) == 0 {
		fields = unionFields(ordered)
	}
	for _, field := range fields {
		value, conflicts, ok := mergeField(field, ordered, tolerance)
		if !ok {
			continue
		}
		out.Data[field] = value
		out.Conflicts = append(out.Conflicts, conflicts...)
	}
	return out
}

func mergeField(field string, ordered []Contribution, tolerance float64) (any, []Conflict, bool) {
	var (
		raw        []any
		nums       []NumericValue
		cats       []CategoricalValue
		allNumeric = true
		allStrings = true
		allScalar  = true
	)
	for _, c := range ordered {
		v, ok := c.Data[field]
		if !ok || v == nil {
			continue
		}
		raw = append(raw, v)
		if _, isStr := v.(string); !isStr {
			allStrings = false
		}
		if d, ok := ToDecimal(v); ok {
			nums = append(nums, NumericValue{Provider: c.Provider, Value: d, Weight: c.Score})
		} else {
			allNumeric = false
		}
		switch x := v.(type) {
		case string:
			cats = append(cats, CategoricalValue{Provider: c.Provider, Value: x, Weight: c.Score})
		case bool:
			cats = append(cats, CategoricalValue{Provider: c.Provider, Value: fmt.Sprint(x), Weight: c.Score})
		default:
			if _, ok := ToDecimal(v); ok {
				cats = append(cats, CategoricalValue{Provider: c.Provider, Value: fmt.Sprint(x), Weight: c.Score})
			} else {
				allScalar = false
			}
		}
	}
	if len(raw) == 0 {
		return nil, nil, false
	}

	switch {
	case allNumeric:
		mean, _ := WeightedMean(nums)
		conflicts := DetectConflicts(field, nums, mean, tolerance)
		rounded := mean.Round(mergePlaces)
		if allStrings {
			return rounded.String(), conflicts, true
		}
		return json.Number(rounded.String()), conflicts, true
	case allScalar:
		winner, _ := MajorityVote(cats)
		var conflicts []Conflict
		var value any
		for i, cv := range cats {
			if cv.Value == winner {
				if value == nil {
					value = raw[i]
				}
				continue
			}
			conflicts = append(conflicts, Conflict{Field: field, Provider: cv.Provider, Value: raw[i], Merged: winner, Deviation: 1})
		}
		return value, conflicts, true
	default:
		return raw[0], nil, true
	}
}

func unionFields(contribs []Contribution) []string {
	seen := map[string]struct{}{}
	for _, c := range contribs {
		for k := range c.Data {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
