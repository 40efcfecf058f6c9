package selection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/atlasmap-sc/cellview/internal/filter"
)

// ErrBadURL is returned when a navigation URL cannot be parsed at all.
var ErrBadURL = errors.New("malformed url")

const (
	geneParam      = "gene"
	categoricalPfx = "cat."
	continuousPfx  = "num."
)

// Shareable is the part of a Selection that is carried in the URL.
type Shareable struct {
	Gene    string
	Filters filter.Predicates
}

// Equal reports whether two shareable states select the same gene and cells.
func (s Shareable) Equal(o Shareable) bool {
	return s.Gene == o.Gene && s.Filters.Equal(o.Filters)
}

// Parse reads the shareable state from raw, which may be an absolute URL, a
// path with a query, or a bare query string. Unknown parameters and values
// that do not parse are ignored.
func Parse(raw string) (Shareable, error) {
	query := raw
	if strings.Contains(raw, "?") || !strings.Contains(raw, "=") {
		u, err := url.Parse(raw)
		if err != nil {
			return Shareable{}, fmt.Errorf("%w: %v", ErrBadURL, err)
		}
		query = u.RawQuery
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return Shareable{}, fmt.Errorf("%w: %v", ErrBadURL, err)
	}

	var sh Shareable
	sh.Gene = values.Get(geneParam)

	for key, vals := range values {
		switch {
		case strings.HasPrefix(key, categoricalPfx) && len(key) > len(categoricalPfx):
			accepted := ParseValues(vals)
			if sh.Filters.Categorical == nil {
				sh.Filters.Categorical = make(map[string]filter.ValueSet)
			}
			sh.Filters.Categorical[key[len(categoricalPfx):]] = filter.NewValueSet(accepted...)
		case strings.HasPrefix(key, continuousPfx) && len(key) > len(continuousPfx):
			r, ok := parseRange(vals[len(vals)-1])
			if !ok {
				continue
			}
			if sh.Filters.Continuous == nil {
				sh.Filters.Continuous = make(map[string]filter.Range)
			}
			sh.Filters.Continuous[key[len(continuousPfx):]] = r
		}
	}
	return sh, nil
}

// ParseValues reads the accepted values of a categorical filter from the
// values of one query parameter. It accepts a JSON array, a comma-separated
// list, or repeated parameters. "[]" and an empty value both mean accept
// nothing. vals must not be empty.
func ParseValues(vals []string) []string {
	if len(vals) > 1 {
		return splitValues(vals)
	}
	raw := strings.TrimSpace(vals[0])
	if raw == "" {
		return []string{}
	}
	if strings.HasPrefix(raw, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			if arr == nil {
				arr = []string{}
			}
			return arr
		}
		// Fall back to the comma form.
	}
	return splitValues(strings.Split(raw, ","))
}

func splitValues(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseRange(raw string) (filter.Range, bool) {
	lo, hi, ok := strings.Cut(raw, ",")
	if !ok {
		return filter.Range{}, false
	}
	var r filter.Range
	var err error
	if r.Min, err = strconv.ParseFloat(strings.TrimSpace(lo), 64); err != nil || math.IsNaN(r.Min) {
		return filter.Range{}, false
	}
	if r.Max, err = strconv.ParseFloat(strings.TrimSpace(hi), 64); err != nil || math.IsNaN(r.Max) {
		return filter.Range{}, false
	}
	return r, true
}

// Serialize encodes sh as a query string with keys in sorted order, so equal
// states always serialize identically. Categorical values are written as a
// sorted JSON array.
func Serialize(sh Shareable) string {
	values := url.Values{}
	if sh.Gene != "" {
		values.Set(geneParam, sh.Gene)
	}
	for name, set := range sh.Filters.Categorical {
		b, _ := json.Marshal(set.Values())
		values.Set(categoricalPfx+name, string(b))
	}
	for name, r := range sh.Filters.Continuous {
		values.Set(continuousPfx+name, formatFloat(r.Min)+","+formatFloat(r.Max))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
