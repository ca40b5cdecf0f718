package store

import (
	"regexp"
	"strconv"
	"time"

	"github.com/samihult/xjog/chart"
)

// FilterSubject is the material a Filter is evaluated against: one
// chart's identity, digests, external ids and timestamps.
type FilterSubject struct {
	Ref         chart.Reference
	Digests     map[string]string
	ExternalIDs map[string]string
	Created     time.Time
	Updated     time.Time
}

// Filter is a composable boolean condition over charts and their digests.
type Filter interface {
	Match(s FilterSubject) bool
}

type andFilter []Filter

func (f andFilter) Match(s FilterSubject) bool {
	for _, sub := range f {
		if !sub.Match(s) {
			return false
		}
	}
	return true
}

// And matches when every sub-filter matches.
func And(filters ...Filter) Filter { return andFilter(filters) }

type orFilter []Filter

func (f orFilter) Match(s FilterSubject) bool {
	for _, sub := range f {
		if sub.Match(s) {
			return true
		}
	}
	return false
}

// Or matches when any sub-filter matches.
func Or(filters ...Filter) Filter { return orFilter(filters) }

type notFilter struct{ f Filter }

func (f notFilter) Match(s FilterSubject) bool { return !f.f.Match(s) }

// Not inverts a filter.
func Not(f Filter) Filter { return notFilter{f} }

type eqFilter struct{ key, value string }

func (f eqFilter) Match(s FilterSubject) bool {
	var v, ok = s.Digests[f.key]
	return ok && v == f.value
}

// Eq matches charts whose digest key equals value.
func Eq(key, value string) Filter { return eqFilter{key, value} }

type matchesFilter struct {
	key string
	re  *regexp.Regexp
}

func (f matchesFilter) Match(s FilterSubject) bool {
	var v, ok = s.Digests[f.key]
	return ok && f.re.MatchString(v)
}

// Matches matches charts whose digest key matches the regular expression.
func Matches(key string, re *regexp.Regexp) Filter { return matchesFilter{key, re} }

// CmpOp is a numeric comparison operator.
type CmpOp string

const (
	Lt CmpOp = "<"
	Le CmpOp = "<="
	Gt CmpOp = ">"
	Ge CmpOp = ">="
)

type cmpFilter struct {
	key   string
	op    CmpOp
	value float64
}

func (f cmpFilter) Match(s FilterSubject) bool {
	var raw, ok = s.Digests[f.key]
	if !ok {
		return false
	}
	var v, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return false
	}
	switch f.op {
	case Lt:
		return v < f.value
	case Le:
		return v <= f.value
	case Gt:
		return v > f.value
	case Ge:
		return v >= f.value
	}
	return false
}

// Cmp matches charts whose digest key, read as a number, satisfies the
// comparison. Non-numeric values never match.
func Cmp(key string, op CmpOp, value float64) Filter { return cmpFilter{key, op, value} }

type timeFilter struct {
	updated bool
	before  bool
	t       time.Time
}

func (f timeFilter) Match(s FilterSubject) bool {
	var subject = s.Created
	if f.updated {
		subject = s.Updated
	}
	if subject.IsZero() {
		return false
	}
	if f.before {
		return subject.Before(f.t)
	}
	return subject.After(f.t)
}

// CreatedBefore / CreatedAfter / UpdatedBefore / UpdatedAfter compare the
// chart's digest creation and chart update timestamps.
func CreatedBefore(t time.Time) Filter { return timeFilter{before: true, t: t} }
func CreatedAfter(t time.Time) Filter  { return timeFilter{t: t} }
func UpdatedBefore(t time.Time) Filter { return timeFilter{updated: true, before: true, t: t} }
func UpdatedAfter(t time.Time) Filter  { return timeFilter{updated: true, t: t} }

type machineIDFilter struct{ re *regexp.Regexp }

func (f machineIDFilter) Match(s FilterSubject) bool { return f.re.MatchString(s.Ref.MachineID) }

// MachineIDMatches matches on the machine id.
func MachineIDMatches(re *regexp.Regexp) Filter { return machineIDFilter{re} }

type chartIDFilter struct{ re *regexp.Regexp }

func (f chartIDFilter) Match(s FilterSubject) bool { return f.re.MatchString(s.Ref.ChartID) }

// ChartIDMatches matches on the chart id.
func ChartIDMatches(re *regexp.Regexp) Filter { return chartIDFilter{re} }

type externalIDFilter struct {
	key *regexp.Regexp
	val *regexp.Regexp
}

func (f externalIDFilter) Match(s FilterSubject) bool {
	for k, v := range s.ExternalIDs {
		if f.key.MatchString(k) && f.val.MatchString(v) {
			return true
		}
	}
	return false
}

// ExternalIDMatches matches charts holding an external id whose key and
// value both match.
func ExternalIDMatches(key, value *regexp.Regexp) Filter {
	return externalIDFilter{key: key, val: value}
}

// ChartFilter narrows journal and full-state streams to charts of
// interest. A nil or zero filter matches everything.
type ChartFilter struct {
	MachineID   *regexp.Regexp
	ChartID     *regexp.Regexp
	StateValue  *regexp.Regexp
	ExternalIDs map[*regexp.Regexp]*regexp.Regexp
}

// MatchRef applies the reference conditions only.
func (f *ChartFilter) MatchRef(ref chart.Reference) bool {
	if f == nil {
		return true
	}
	if f.MachineID != nil && !f.MachineID.MatchString(ref.MachineID) {
		return false
	}
	if f.ChartID != nil && !f.ChartID.MatchString(ref.ChartID) {
		return false
	}
	return true
}

// MatchState applies the state-value condition to a serialized state.
func (f *ChartFilter) MatchState(state []byte) bool {
	if f == nil || f.StateValue == nil {
		return true
	}
	return f.StateValue.Match(state)
}

// MatchExternalIDs applies the external-id conditions.
func (f *ChartFilter) MatchExternalIDs(ids map[string]string) bool {
	if f == nil || len(f.ExternalIDs) == 0 {
		return true
	}
	for kre, vre := range f.ExternalIDs {
		var found bool
		for k, v := range ids {
			if kre.MatchString(k) && vre.MatchString(v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
