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
	"math"
	"sort"
)

// candidate is a fit source with its uncertainty interval, in seconds
type candidate struct {
	id         string
	offset     float64
	radius     float64
	dispersion float64
	stratum    uint8
}

func (c candidate) lo() float64 { return c.offset - c.radius }
func (c candidate) hi() float64 { return c.offset + c.radius }

type bound struct {
	at    float64
	start bool
}

// overlap is a set of candidates sharing a common point
type overlap struct {
	members    []int
	point      float64
	dispersion float64
	stratum    int
}

// better orders maximal overlaps: lower aggregate dispersion, then lower
// aggregate stratum, then the lower point
func (o overlap) better(p overlap) bool {
	if o.dispersion != p.dispersion {
		return o.dispersion < p.dispersion
	}
	if o.stratum != p.stratum {
		return o.stratum < p.stratum
	}
	return o.point < p.point
}

// intersect runs Marzullo's algorithm over closed intervals and returns the
// indexes of the candidates in the best maximal overlap
func intersect(cands []candidate) []int {
	if len(cands) == 0 {
		return nil
	}
	bounds := make([]bound, 0, 2*len(cands))
	for _, c := range cands {
		bounds = append(bounds, bound{at: c.lo(), start: true}, bound{at: c.hi()})
	}
	// intervals touching in a single point overlap, so starts sort before ends
	sort.Slice(bounds, func(i, j int) bool {
		if bounds[i].at != bounds[j].at {
			return bounds[i].at < bounds[j].at
		}
		return bounds[i].start && !bounds[j].start
	})

	var points []float64
	best, cur := 0, 0
	for _, b := range bounds {
		if !b.start {
			cur--
			continue
		}
		cur++
		switch {
		case cur > best:
			best = cur
			points = append(points[:0], b.at)
		case cur == best:
			points = append(points, b.at)
		}
	}

	var chosen *overlap
	for _, p := range points {
		o := overlap{point: p}
		for i, c := range cands {
			if c.lo() <= p && p <= c.hi() {
				o.members = append(o.members, i)
				o.dispersion += c.dispersion
				o.stratum += int(c.stratum)
			}
		}
		if chosen == nil || o.better(*chosen) {
			chosen = &o
		}
	}
	return chosen.members
}

// combination is the weighted mean of the truechimers, in seconds
type combination struct {
	offset      float64
	uncertainty float64
	jitter      float64
}

// minWeightDispersion keeps weights finite for zero dispersion sources
const minWeightDispersion = 1e-9

// combine averages offsets weighted by inverse variance. The uncertainty is
// never below the best member's dispersion.
func combine(members []candidate) combination {
	if len(members) == 1 {
		return combination{offset: members[0].offset, uncertainty: members[0].dispersion}
	}
	var sumW, sumWO float64
	minDisp := math.Inf(1)
	for _, c := range members {
		d := math.Max(c.dispersion, minWeightDispersion)
		w := 1 / (d * d)
		sumW += w
		sumWO += w * c.offset
		minDisp = math.Min(minDisp, c.dispersion)
	}
	mean := sumWO / sumW
	var spread float64
	for _, c := range members {
		d := math.Max(c.dispersion, minWeightDispersion)
		diff := c.offset - mean
		spread += diff * diff / (d * d)
	}
	return combination{
		offset:      mean,
		uncertainty: math.Max(minDisp, math.Sqrt(1/sumW)),
		jitter:      math.Sqrt(spread / sumW),
	}
}
