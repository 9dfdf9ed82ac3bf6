// Package pricing maps model names to per-token cost from a JSON catalog.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
)

// Rate is the cost in USD per 1000 tokens, split by direction.
type Rate struct {
	In  float64 `json:"in"`
	Out float64 `json:"out"`
}

// UnmarshalJSON accepts both the object form {"in":x,"out":y} and the
// compact array form [in, out].
func (r *Rate) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var pair []float64
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("rate array must have 2 elements, got %d", len(pair))
		}
		r.In, r.Out = pair[0], pair[1]
		return nil
	}
	type plain Rate
	return json.Unmarshal(data, (*plain)(r))
}

// Catalog holds per-model rates. A model absent from the catalog has
// unknown pricing and yields a nil cost.
type Catalog struct {
	rates map[string]Rate
}

// Load reads a catalog file. An empty path yields an empty catalog, so
// every cost comes back nil rather than wrong.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{rates: map[string]Rate{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes catalog JSON.
func Parse(data []byte) (*Catalog, error) {
	var rates map[string]Rate
	if err := json.Unmarshal(data, &rates); err != nil {
		return nil, fmt.Errorf("parse pricing catalog: %w", err)
	}
	return &Catalog{rates: rates}, nil
}

// Cost returns the USD cost for a token split, or nil when the model is
// not in the catalog. A nil cost is surfaced as unknown, never zero.
func (c *Catalog) Cost(model string, promptTokens, completionTokens int) *float64 {
	rate, ok := c.rates[model]
	if !ok {
		return nil
	}
	cost := float64(promptTokens)/1000*rate.In + float64(completionTokens)/1000*rate.Out
	return &cost
}

// Known reports whether the catalog has a rate for model.
func (c *Catalog) Known(model string) bool {
	_, ok := c.rates[model]
	return ok
}
