package registry

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed is the contents of a token listing file.
type Seed struct {
	Tokens      []Token
	Allocations []Allocation
}

// Allocation is an investor's initial holding from the primary offering.
type Allocation struct {
	UserID   string `yaml:"userId"`
	TokenID  string `yaml:"tokenId"`
	Quantity int64  `yaml:"quantity"`
}

type seedFile struct {
	Tokens []struct {
		Token     `yaml:",inline"`
		Valuation string `yaml:"valuation"`
		Status    string `yaml:"status"`
	} `yaml:"tokens"`
	Allocations []Allocation `yaml:"allocations"`
}

// LoadFile reads a YAML listing file.
func LoadFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("failed to read token file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Seed, error) {
	var raw seedFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Seed{}, fmt.Errorf("failed to parse token file: %w", err)
	}

	var seed Seed
	for _, rt := range raw.Tokens {
		t := rt.Token
		if rt.Valuation != "" {
			v, err := decimal.NewFromString(rt.Valuation)
			if err != nil {
				return Seed{}, fmt.Errorf("token %s: invalid valuation %q: %w", t.TokenID, rt.Valuation, err)
			}
			t.Valuation = v
		}
		st, err := ParseTokenStatus(rt.Status)
		if err != nil {
			return Seed{}, fmt.Errorf("token %s: %w", t.TokenID, err)
		}
		t.Status = st
		if err := t.Validate(); err != nil {
			return Seed{}, err
		}
		seed.Tokens = append(seed.Tokens, t)
	}
	for _, a := range raw.Allocations {
		if a.UserID == "" || a.TokenID == "" || a.Quantity <= 0 {
			return Seed{}, fmt.Errorf("invalid allocation %+v", a)
		}
	}
	seed.Allocations = raw.Allocations
	return seed, nil
}

// Apply registers every token of the seed.
func (s Seed) Apply(r *Registry) error {
	for _, t := range s.Tokens {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
