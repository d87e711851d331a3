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

/*
Package ipfilter decides per client address whether the server answers,
using the most specific matching prefix.
*/
package ipfilter

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gaissmai/bart"
	"go4.org/netipx"
)

// Action is what the server does with a request
type Action uint8

// Actions
const (
	Allow Action = iota
	Deny
	RateLimited
)

var actionToString = map[Action]string{
	Allow:       "allow",
	Deny:        "deny",
	RateLimited: "ratelimit",
}

func (a Action) String() string {
	if s, ok := actionToString[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseAction is the inverse of Action.String
func ParseAction(s string) (Action, error) {
	for a, name := range actionToString {
		if strings.EqualFold(name, s) {
			return a, nil
		}
	}
	return Allow, fmt.Errorf("unknown action %q", s)
}

// Rule applies Action to every address in Prefix
type Rule struct {
	Prefix netip.Prefix
	Action Action
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s", r.Prefix, r.Action)
}

// ParseRule parses "<prefix|address|range> <action>", for example
// "10.0.0.0/8 deny" or "192.0.2.1-192.0.2.9 ratelimit".
// A range expands to the minimal set of prefixes covering it.
func ParseRule(s string) ([]Rule, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, fmt.Errorf("rule %q: want \"<prefix> <action>\"", s)
	}
	action, err := ParseAction(fields[1])
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", s, err)
	}
	prefixes, err := parsePrefixes(fields[0])
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", s, err)
	}
	rules := make([]Rule, 0, len(prefixes))
	for _, p := range prefixes {
		rules = append(rules, Rule{Prefix: p, Action: action})
	}
	return rules, nil
}

func parsePrefixes(s string) ([]netip.Prefix, error) {
	if strings.Contains(s, "-") {
		r, err := netipx.ParseIPRange(s)
		if err != nil {
			return nil, err
		}
		return r.Prefixes(), nil
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		return []netip.Prefix{p}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return nil, err
	}
	return []netip.Prefix{netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen())}, nil
}

// ParseRules parses every line with ParseRule
func ParseRules(lines []string) ([]Rule, error) {
	var rules []Rule
	for _, l := range lines {
		r, err := ParseRule(l)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r...)
	}
	return rules, nil
}

// Filter is an immutable longest prefix match table, safe for concurrent use
type Filter struct {
	table *bart.Table[Action]
	def   Action
	size  int
}

// New builds a filter. Addresses no rule covers get def, except that a
// filter without rules allows everything.
// When the same prefix appears twice the later rule wins.
func New(rules []Rule, def Action) (*Filter, error) {
	f := &Filter{table: new(bart.Table[Action]), def: def}
	for _, r := range rules {
		if !r.Prefix.IsValid() {
			return nil, fmt.Errorf("invalid prefix in rule %v", r)
		}
		if _, ok := actionToString[r.Action]; !ok {
			return nil, fmt.Errorf("invalid action in rule %v", r)
		}
		p := r.Prefix
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		f.table.Insert(p.Masked(), r.Action)
		f.size++
	}
	return f, nil
}

// Evaluate returns the action of the most specific rule covering addr
func (f *Filter) Evaluate(addr netip.Addr) Action {
	if f == nil || f.size == 0 {
		return Allow
	}
	if a, ok := f.table.Lookup(addr.Unmap()); ok {
		return a
	}
	return f.def
}

// Len is the number of rules in the filter
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return f.size
}
