package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"futuresExecBot/internal/stopexit"
)

// exitPolicyFile is the YAML layout of an exit policy. Absent keys keep the
// value from the environment.
type exitPolicyFile struct {
	Precedence        []string         `yaml:"precedence"`
	StopBuffer        *float64         `yaml:"stop_buffer"`
	StopConfirmWindow *string          `yaml:"stop_confirm_window"`
	Trailing          *trailingPolicy  `yaml:"trailing"`
	TakeProfit        *[]stopexit.Tier `yaml:"take_profit"`
	Reversal          *reversalPolicy  `yaml:"reversal"`
}

type trailingPolicy struct {
	Activation    *float64 `yaml:"activation"`
	Distance      *float64 `yaml:"distance"`
	ATRMultiplier *float64 `yaml:"atr_multiplier"`
}

type reversalPolicy struct {
	Enabled      *bool    `yaml:"enabled"`
	MinBodyRatio *float64 `yaml:"min_body_ratio"`
	BodyMultiple *float64 `yaml:"body_multiple"`
}

// LoadExitPolicy reads a YAML exit policy from path and overlays it on base.
func LoadExitPolicy(path string, base stopexit.Config) (stopexit.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read exit policy %s: %w", path, err)
	}
	return ParseExitPolicy(data, base)
}

// ParseExitPolicy overlays a YAML exit policy on base and validates the result.
func ParseExitPolicy(data []byte, base stopexit.Config) (stopexit.Config, error) {
	var f exitPolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse exit policy: %w", err)
	}

	cfg := base
	if len(f.Precedence) > 0 {
		rules, err := stopexit.ParsePrecedence(f.Precedence)
		if err != nil {
			return base, err
		}
		cfg.Precedence = rules
	}
	if f.StopBuffer != nil {
		cfg.StopBuffer = *f.StopBuffer
	}
	if f.StopConfirmWindow != nil {
		d, err := time.ParseDuration(*f.StopConfirmWindow)
		if err != nil {
			return base, fmt.Errorf("stop_confirm_window: %w", err)
		}
		cfg.StopConfirmWindow = d
	}
	if t := f.Trailing; t != nil {
		if t.Activation != nil {
			cfg.TrailingActivation = *t.Activation
		}
		if t.Distance != nil {
			cfg.TrailingDistance = *t.Distance
		}
		if t.ATRMultiplier != nil {
			cfg.TrailingATRMultiplier = *t.ATRMultiplier
		}
	}
	if f.TakeProfit != nil {
		cfg.TakeProfitTiers = append([]stopexit.Tier(nil), (*f.TakeProfit)...)
	}
	if r := f.Reversal; r != nil {
		if r.Enabled != nil {
			cfg.ReversalEnabled = *r.Enabled
		}
		if r.MinBodyRatio != nil {
			cfg.ReversalMinBodyRatio = *r.MinBodyRatio
		}
		if r.BodyMultiple != nil {
			cfg.ReversalBodyMultiple = *r.BodyMultiple
		}
	}

	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}
