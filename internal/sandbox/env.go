package sandbox

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// InputsBinding is the reserved name under which a node's resolved
// input map is bound in its execution environment, alongside the
// per-parameter bindings.
const InputsBinding = "inputs"

// dateLayouts are tried in order by parseDate. Covers the formats the
// dataset metadata's strptime hints map to in practice.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// NewNodeEnv builds the fresh execution environment for one node: the
// convenience bindings generated code leans on (statistics, counting,
// date handling, regex, numeric coercion) plus the resolved parameters
// and the reserved input-map binding. A new map is returned on every
// call so no state leaks between nodes.
func NewNodeEnv(params map[string]any) map[string]any {
	env := map[string]any{
		"stdev":       stdev,
		"variance":    variance,
		"percentile":  percentile,
		"counter":     counter,
		"unique":      unique,
		"parseDate":   parseDate,
		"daysBetween": daysBetween,
		"regexMatch":  regexMatch,
		"toNumber":    toNumber,
	}
	for name, value := range params {
		env[name] = value
	}
	env[InputsBinding] = params
	return env
}

func toFloats(v any) ([]float64, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of numbers, got %T", v)
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, err := toNumber(item)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to a number", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
}

func variance(v any) (float64, error) {
	nums, err := toFloats(v)
	if err != nil {
		return 0, err
	}
	if len(nums) < 2 {
		return 0, fmt.Errorf("variance requires at least two values, got %d", len(nums))
	}
	var mean float64
	for _, n := range nums {
		mean += n
	}
	mean /= float64(len(nums))

	var sum float64
	for _, n := range nums {
		d := n - mean
		sum += d * d
	}
	return sum / float64(len(nums)-1), nil
}

func stdev(v any) (float64, error) {
	va, err := variance(v)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(va), nil
}

// percentile computes the p-th percentile (0-100) with linear
// interpolation between closest ranks.
func percentile(v any, p float64) (float64, error) {
	nums, err := toFloats(v)
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return 0, fmt.Errorf("percentile of an empty list")
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("percentile must be in [0,100], got %v", p)
	}
	sort.Float64s(nums)
	rank := p / 100 * float64(len(nums)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return nums[lo], nil
	}
	frac := rank - float64(lo)
	return nums[lo]*(1-frac) + nums[hi]*frac, nil
}

// counter tallies occurrences of each value's string form, the
// frequency-map shape generated aggregation code expects.
func counter(v any) (map[string]int, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	counts := make(map[string]int, len(items))
	for _, item := range items {
		counts[fmt.Sprint(item)]++
	}
	return counts, nil
}

func unique(v any) ([]any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	seen := make(map[string]bool, len(items))
	var out []any
	for _, item := range items {
		key := fmt.Sprint(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a date", s)
}

func daysBetween(a, b string) (int, error) {
	ta, err := parseDate(a)
	if err != nil {
		return 0, err
	}
	tb, err := parseDate(b)
	if err != nil {
		return 0, err
	}
	return int(math.Abs(tb.Sub(ta).Hours() / 24)), nil
}

func regexMatch(pattern, s string) (bool, error) {
	return regexp.MatchString(pattern, s)
}
