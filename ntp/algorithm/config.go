/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package algorithm

import (
	"fmt"
	"math"
	"time"

	"github.com/Knetic/govaluate"
)

// RadiusHelp describes the radius expression, for flags and config docs
const RadiusHelp = `The radius expression gives the half width of a source's uncertainty interval in seconds.
evaluation is done with govaluate, please check https://github.com/Knetic/govaluate/blob/master/MANUAL.md
supported variables:
  dispersion (source dispersion, aged since the last sample)
  delay (round trip delay of the best sample)
  jitter (RMS offset difference across the window)
  rootdelay, rootdispersion (as reported by the source)
supported functions:
  abs(value), max(a, b), min(a, b)`

// Defaults
const (
	DefaultWindowSize           = 8
	DefaultMaxAge               = time.Hour
	DefaultMaxDelay             = time.Second
	DefaultMaxSourceUncertainty = 250 * time.Millisecond
	DefaultRadius               = "dispersion"
	DefaultMinSurvivors         = 1
	DefaultPrecision            = time.Microsecond
)

// Config tunes filtering and selection
type Config struct {
	// WindowSize is the number of samples kept per source
	WindowSize int `yaml:"window_size"`
	// MaxAge drops samples older than this relative to the newest one
	MaxAge time.Duration `yaml:"max_age"`
	// MaxDelay rejects samples with a larger round trip delay
	MaxDelay time.Duration `yaml:"max_delay"`
	// MaxSourceUncertainty marks sources with a larger radius unfit
	MaxSourceUncertainty time.Duration `yaml:"max_source_uncertainty"`
	// Radius is a govaluate expression, see RadiusHelp
	Radius string `yaml:"radius"`
	// MinSurvivors is the smallest acceptable truechimer set
	MinSurvivors int `yaml:"min_survivors"`
	// RequireMajority demands truechimers be a strict majority of fit sources
	RequireMajority bool `yaml:"require_majority"`
	// Precision of the local clock
	Precision time.Duration `yaml:"precision"`
}

// DefaultConfig returns the default algorithm config
func DefaultConfig() Config {
	return Config{
		WindowSize:           DefaultWindowSize,
		MaxAge:               DefaultMaxAge,
		MaxDelay:             DefaultMaxDelay,
		MaxSourceUncertainty: DefaultMaxSourceUncertainty,
		Radius:               DefaultRadius,
		MinSurvivors:         DefaultMinSurvivors,
		RequireMajority:      true,
		Precision:            DefaultPrecision,
	}
}

// Validate checks the config is usable
func (c *Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %d", c.WindowSize)
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("max_age must be positive, got %v", c.MaxAge)
	}
	if c.MaxDelay <= 0 {
		return fmt.Errorf("max_delay must be positive, got %v", c.MaxDelay)
	}
	if c.MaxSourceUncertainty <= 0 {
		return fmt.Errorf("max_source_uncertainty must be positive, got %v", c.MaxSourceUncertainty)
	}
	if c.MinSurvivors < 1 {
		return fmt.Errorf("min_survivors must be at least 1, got %d", c.MinSurvivors)
	}
	if c.Precision < 0 {
		return fmt.Errorf("precision must not be negative, got %v", c.Precision)
	}
	if _, err := NewRadius(c.Radius); err != nil {
		return fmt.Errorf("radius: %w", err)
	}
	return nil
}

var radiusVariables = []string{
	"dispersion",
	"delay",
	"jitter",
	"rootdelay",
	"rootdispersion",
}

func isRadiusVar(name string) bool {
	for _, v := range radiusVariables {
		if v == name {
			return true
		}
	}
	return false
}

func twoFloats(name string, args []interface{}) (float64, float64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("%s: wrong number of arguments: want 2, got %d", name, len(args))
	}
	a, ok := args[0].(float64)
	b, ok2 := args[1].(float64)
	if !ok || !ok2 {
		return 0, 0, fmt.Errorf("%s: arguments must be numbers", name)
	}
	return a, b, nil
}

var radiusFunctions = map[string]govaluate.ExpressionFunction{
	"abs": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("abs: wrong number of arguments: want 1, got %d", len(args))
		}
		val, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("abs: argument must be a number")
		}
		return math.Abs(val), nil
	},
	"max": func(args ...interface{}) (interface{}, error) {
		a, b, err := twoFloats("max", args)
		if err != nil {
			return nil, err
		}
		return math.Max(a, b), nil
	},
	"min": func(args ...interface{}) (interface{}, error) {
		a, b, err := twoFloats("min", args)
		if err != nil {
			return nil, err
		}
		return math.Min(a, b), nil
	},
}

// Radius computes the half width of a source's uncertainty interval
type Radius struct {
	src  string
	expr *govaluate.EvaluableExpression
}

// NewRadius parses a radius expression
func NewRadius(s string) (*Radius, error) {
	if s == "" {
		s = DefaultRadius
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(s, radiusFunctions)
	if err != nil {
		return nil, err
	}
	for _, v := range expr.Vars() {
		if !isRadiusVar(v) {
			return nil, fmt.Errorf("unsupported variable %q", v)
		}
	}
	return &Radius{src: s, expr: expr}, nil
}

func (r *Radius) String() string {
	return r.src
}

// Eval returns the radius in seconds for the given source statistics
func (r *Radius) Eval(s SourceStats) (float64, error) {
	res, err := r.expr.Evaluate(map[string]interface{}{
		"dispersion":     s.Dispersion.Seconds(),
		"delay":          s.Delay.Seconds(),
		"jitter":         s.Jitter.Seconds(),
		"rootdelay":      s.RootDelay.Seconds(),
		"rootdispersion": s.RootDispersion.Seconds(),
	})
	if err != nil {
		return 0, err
	}
	v, ok := res.(float64)
	if !ok {
		return 0, fmt.Errorf("radius %q evaluated to %T, want a number", r.src, res)
	}
	if math.IsNaN(v) || v < 0 {
		return 0, fmt.Errorf("radius %q evaluated to %v", r.src, v)
	}
	return v, nil
}
