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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// Engine errors
var (
	ErrUnknownSource = errors.New("unknown source")
	ErrSourceExists  = errors.New("source already exists")
	ErrDelayTooHigh  = errors.New("round trip delay above maximum")
)

// Status of a selection round
type Status uint8

// Selection outcomes
const (
	Insufficient Status = iota
	Selected
)

func (s Status) String() string {
	if s == Selected {
		return "SELECTED"
	}
	return "INSUFFICIENT"
}

// SelectionResult is the outcome of one selection round
type SelectionResult struct {
	Status      Status
	Offset      protocol.Duration
	Uncertainty protocol.Duration
	// Jitter is the weighted RMS spread of the truechimer offsets
	Jitter       protocol.Duration
	Truechimers  []string
	Falsetickers []string
	// Unfit sources took no part in the intersection
	Unfit []string
}

func (r SelectionResult) String() string {
	if r.Status != Selected {
		return fmt.Sprintf("%s falsetickers=[%s] unfit=[%s]", r.Status, strings.Join(r.Falsetickers, ","), strings.Join(r.Unfit, ","))
	}
	return fmt.Sprintf("%s offset=%s uncertainty=%s jitter=%s truechimers=[%s]",
		r.Status, r.Offset, r.Uncertainty, r.Jitter, strings.Join(r.Truechimers, ","))
}

// Engine keeps per source sample windows and runs selection over them.
// Methods are safe for concurrent use; each source has its own lock.
type Engine struct {
	cfg    Config
	radius *Radius

	maxAge      protocol.Duration
	maxDelay    protocol.Duration
	maxRadius   float64
	precision   protocol.Duration
	sourcesLock sync.RWMutex
	sources     map[string]*window
}

// NewEngine validates cfg and creates an engine without sources
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	radius, err := NewRadius(cfg.Radius)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		radius:    radius,
		maxAge:    protocol.DurationFromStd(cfg.MaxAge),
		maxDelay:  protocol.DurationFromStd(cfg.MaxDelay),
		maxRadius: cfg.MaxSourceUncertainty.Seconds(),
		precision: protocol.DurationFromStd(cfg.Precision),
		sources:   map[string]*window{},
	}, nil
}

// Precision returns the configured local clock precision
func (e *Engine) Precision() protocol.Duration {
	return e.precision
}

// AddSource registers a source
func (e *Engine) AddSource(id string) error {
	e.sourcesLock.Lock()
	defer e.sourcesLock.Unlock()
	if _, ok := e.sources[id]; ok {
		return fmt.Errorf("%w: %s", ErrSourceExists, id)
	}
	e.sources[id] = &window{}
	log.Debugf("[algorithm] added source %s", id)
	return nil
}

// RemoveSource drops a source and its samples
func (e *Engine) RemoveSource(id string) {
	e.sourcesLock.Lock()
	defer e.sourcesLock.Unlock()
	delete(e.sources, id)
	log.Debugf("[algorithm] removed source %s", id)
}

// Sources returns the registered source ids, sorted
func (e *Engine) Sources() []string {
	e.sourcesLock.RLock()
	defer e.sourcesLock.RUnlock()
	ids := make([]string, 0, len(e.sources))
	for id := range e.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) source(id string) (*window, error) {
	e.sourcesLock.RLock()
	defer e.sourcesLock.RUnlock()
	w, ok := e.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return w, nil
}

// RecordSample adds a sample to the source's window
func (e *Engine) RecordSample(id string, s ClockSample) error {
	w, err := e.source(id)
	if err != nil {
		return err
	}
	if s.Delay > e.maxDelay {
		return fmt.Errorf("%w: %s from %s", ErrDelayTooHigh, s.Delay, id)
	}
	w.Lock()
	defer w.Unlock()
	w.add(s, e.cfg.WindowSize, e.maxAge)
	log.Debugf("[algorithm] %s: %v", id, s)
	return nil
}

// Snapshot returns the filtered statistics of a source as seen at now
func (e *Engine) Snapshot(id string, now protocol.Timestamp) (SourceStats, error) {
	w, err := e.source(id)
	if err != nil {
		return SourceStats{}, err
	}
	w.Lock()
	st, ok := w.stats(now, e.maxAge, e.precision)
	w.Unlock()
	if !ok {
		return SourceStats{ID: id}, fmt.Errorf("no recent samples from %s", id)
	}
	st.ID = id
	return st, nil
}

// snapshots copies the statistics of every source
func (e *Engine) snapshots(now protocol.Timestamp) (stats []SourceStats, empty []string) {
	for _, id := range e.Sources() {
		st, err := e.Snapshot(id, now)
		if err != nil {
			empty = append(empty, id)
			continue
		}
		stats = append(stats, st)
	}
	return stats, empty
}

// fit decides whether a source may take part in selection
func (e *Engine) fit(st SourceStats) (candidate, bool) {
	if !st.Leap.IsSynchronized() || st.Stratum == 0 || st.Stratum >= 16 {
		return candidate{}, false
	}
	r, err := e.radius.Eval(st)
	if err != nil {
		log.Warningf("[algorithm] radius for %s: %v", st.ID, err)
		return candidate{}, false
	}
	if r > e.maxRadius {
		return candidate{}, false
	}
	return candidate{
		id:         st.ID,
		offset:     st.Offset.Seconds(),
		radius:     r,
		dispersion: st.Dispersion.Seconds(),
		stratum:    st.Stratum,
	}, true
}

// SelectAndCombine runs selection and combination over the current windows
func (e *Engine) SelectAndCombine(now protocol.Timestamp) SelectionResult {
	stats, empty := e.snapshots(now)
	res := SelectionResult{Status: Insufficient, Unfit: empty}
	var cands []candidate
	for _, st := range stats {
		c, ok := e.fit(st)
		if !ok {
			res.Unfit = append(res.Unfit, st.ID)
			continue
		}
		cands = append(cands, c)
	}

	members := intersect(cands)
	chosen := make(map[int]bool, len(members))
	for _, i := range members {
		chosen[i] = true
	}
	for i, c := range cands {
		if !chosen[i] {
			res.Falsetickers = append(res.Falsetickers, c.id)
		}
	}
	if len(members) < e.cfg.MinSurvivors || (e.cfg.RequireMajority && 2*len(members) <= len(cands)) {
		for _, i := range members {
			res.Falsetickers = append(res.Falsetickers, cands[i].id)
		}
		sort.Strings(res.Falsetickers)
		log.Debugf("[algorithm] no majority among %d fit sources", len(cands))
		return res
	}

	truechimers := make([]candidate, 0, len(members))
	for _, i := range members {
		truechimers = append(truechimers, cands[i])
		res.Truechimers = append(res.Truechimers, cands[i].id)
	}
	comb := combine(truechimers)
	res.Status = Selected
	res.Offset = protocol.DurationFromSeconds(comb.offset)
	res.Uncertainty = protocol.DurationFromSeconds(comb.uncertainty)
	res.Jitter = protocol.DurationFromSeconds(comb.jitter)
	return res
}

// Steer runs a selection round and hands a decision to sink when there is one
func (e *Engine) Steer(now protocol.Timestamp, sink Sink) SelectionResult {
	res := e.SelectAndCombine(now)
	if res.Status == Selected {
		sink.Steer(res.Offset, res.Uncertainty)
	}
	return res
}
