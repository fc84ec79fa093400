package market

import (
	"errors"
	"fmt"
	"strings"
)

// Market is a trading place that can be suggested as an alternative.
type Market struct {
	Name  string `json:"name" yaml:"name"`
	State string `json:"state" yaml:"state"`
}

// Place is the query sent to the geocoder.
func (m Market) Place() string {
	return m.Name + ", " + m.State + ", India"
}

// DefaultMarkets are the markets covered by the bundled dataset.
func DefaultMarkets() []Market {
	return []Market{
		{Name: "Kalikiri", State: "Andhra Pradesh"},
		{Name: "Mulakalacheruvu", State: "Andhra Pradesh"},
		{Name: "Vayalapadu", State: "Andhra Pradesh"},
		{Name: "Pattikonda", State: "Andhra Pradesh"},
		{Name: "Gudimalkapur", State: "Telangana"},
		{Name: "Bowenpally", State: "Telangana"},
		{Name: "L B Nagar", State: "Telangana"},
	}
}

// Registry is a fixed, ordered list of candidate markets.
type Registry struct {
	markets []Market
}

func NewRegistry(markets []Market) (*Registry, error) {
	if len(markets) == 0 {
		return nil, errors.New("market registry is empty")
	}
	seen := make(map[string]bool, len(markets))
	out := make([]Market, 0, len(markets))
	for _, m := range markets {
		m.Name, m.State = strings.TrimSpace(m.Name), strings.TrimSpace(m.State)
		if m.Name == "" || m.State == "" {
			return nil, fmt.Errorf("market %+v needs a name and a state", m)
		}
		k := strings.ToLower(m.State + "|" + m.Name)
		if seen[k] {
			return nil, fmt.Errorf("duplicate market %s, %s", m.Name, m.State)
		}
		seen[k] = true
		out = append(out, m)
	}
	return &Registry{markets: out}, nil
}

func (r *Registry) Markets() []Market {
	out := make([]Market, len(r.markets))
	copy(out, r.markets)
	return out
}
