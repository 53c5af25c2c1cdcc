// Package interrupt turns host interruption signals into notices the runner
// acts on by handing its leases back.
package interrupt

import (
	"path/filepath"
	"strings"
	"time"
)

// Kind names an interruption.
type Kind string

const (
	SpotInterruption        Kind = "spot-interruption"
	RebalanceRecommendation Kind = "rebalance-recommendation"
	ASGLifecycleTermination Kind = "asg-lifecycle-termination"
	IMDSMaintenance         Kind = "imds-maintenance"
	Sigterm                 Kind = "sigterm"
)

// Entry describes one catalogued interruption.
type Entry struct {
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
}

// Reason is the requeue reason recorded for leases given back on this entry.
func (e Entry) Reason() string {
	return "interrupted: " + string(e.Kind)
}

var catalog = map[Kind]Entry{
	SpotInterruption: {
		Kind:        SpotInterruption,
		Description: "spot capacity is being reclaimed by the provider",
	},
	RebalanceRecommendation: {
		Kind:        RebalanceRecommendation,
		Description: "instance is at elevated risk of spot interruption",
	},
	ASGLifecycleTermination: {
		Kind:        ASGLifecycleTermination,
		Description: "autoscaling group is terminating the instance",
	},
	IMDSMaintenance: {
		Kind:        IMDSMaintenance,
		Description: "scheduled host maintenance event",
	},
	Sigterm: {
		Kind:        Sigterm,
		Description: "agent process received SIGTERM",
	},
}

// Catalog returns every known entry.
func Catalog() []Entry {
	out := make([]Entry, 0, len(catalog))
	for _, k := range []Kind{SpotInterruption, RebalanceRecommendation, ASGLifecycleTermination, IMDSMaintenance, Sigterm} {
		out = append(out, catalog[k])
	}
	return out
}

// Lookup maps a notice name to its entry. Case and a file extension are
// ignored, so "Spot-Interruption.json" matches.
func Lookup(name string) (Entry, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	e, ok := catalog[Kind(name)]
	return e, ok
}

// Notice is one observed interruption.
type Notice struct {
	Entry  Entry
	Source string // "signal" or "notice-file"
	Detail string // signal name or file path
	At     time.Time
}
