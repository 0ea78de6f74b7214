// Package metrics resolves verification metric names to measurement
// providers. The evaluator never computes a metric itself; it asks the
// registry, so the set of verifiable metrics is exactly the set of
// registered providers.
package metrics

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/backofhouse/opsloop/internal/model"
)

// ErrUnknownMetric is returned when a verification spec names a metric
// no provider claims. The evaluator treats it as a data quality problem,
// not a transient fault.
var ErrUnknownMetric = eris.New("metrics: unknown metric")

// Scope narrows a measurement to one org and optionally one venue.
type Scope struct {
	OrgID   string
	VenueID string
}

// Window is an inclusive business-date range, YYYY-MM-DD.
type Window struct {
	Start string
	End   string
}

// Days returns the number of calendar days the window covers.
func (w Window) Days() int {
	start, err := parseDate(w.Start)
	if err != nil {
		return 0
	}
	end, err := parseDate(w.End)
	if err != nil {
		return 0
	}
	n := int(end.Sub(start).Hours()/24) + 1
	if n < 0 {
		return 0
	}
	return n
}

// Measurement is what a provider observed over a window.
type Measurement struct {
	Value        float64
	DaysWithData int
	Daily        []model.DailyValue
}

// Provider measures one named metric over a scope and window.
type Provider interface {
	Name() string
	Measure(ctx context.Context, scope Scope, window Window) (*Measurement, error)
}

// Registry maps metric names to providers.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any previous provider of the same name.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Lookup resolves a metric name. Returns ErrUnknownMetric when nothing
// is registered under it.
func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownMetric, "%q", name)
	}
	return p, nil
}

// Names lists the registered metric names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
