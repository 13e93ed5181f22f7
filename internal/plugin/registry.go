// Package plugin defines the jurisdiction contract and the registry the poll
// cycle resolves jurisdiction codes through.
//
// A jurisdiction plugin knows how to validate query codes for one government
// portal and how to fetch and normalise the current status of a record.
// Plugins are stateless apart from their HTTP client; the registry owns the
// per-jurisdiction rate limiters.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is the normalised outcome of one fetch.
type Result struct {
	Status      string
	LastUpdate  *time.Time
	Details     string
	RawResponse string
}

type Jurisdiction interface {
	Code() string
	Name() string
	QueryKinds() []string
	Validate(code, kind string) bool
	Fetch(ctx context.Context, code, kind string) (Result, error)
}

// Limits controls how hard the poller may hit one jurisdiction's portal.
type Limits struct {
	// RatePerMinute is the sustained fetch rate. 0 means unlimited.
	RatePerMinute float64
	Burst         int
	// MaxConcurrent caps simultaneous polls; enforced by the engine's
	// concurrency group keyed by jurisdiction code.
	MaxConcurrent int
}

// LimitsProvider is optionally implemented by plugins that know how much load
// their portal tolerates.
type LimitsProvider interface {
	DefaultLimits() Limits
}

var ErrDuplicate = errors.New("plugin: jurisdiction already registered")

type entry struct {
	j       Jurisdiction
	limits  Limits
	limiter *rate.Limiter
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

func normCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

// Register adds j under its code. Registering the same code twice is an error.
func (r *Registry) Register(j Jurisdiction) error {
	if j == nil {
		return errors.New("plugin: nil jurisdiction")
	}
	code := normCode(j.Code())
	if code == "" {
		return errors.New("plugin: empty jurisdiction code")
	}
	var lim Limits
	if lp, ok := j.(LimitsProvider); ok {
		lim = lp.DefaultLimits()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[code]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, code)
	}
	r.entries[code] = &entry{j: j, limits: lim, limiter: newLimiter(lim)}
	return nil
}

// SetLimits replaces the limits of a registered jurisdiction. Zero fields keep
// the current value.
func (r *Registry) SetLimits(code string, lim Limits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[normCode(code)]
	if !ok {
		return &UnsupportedJurisdictionError{Code: code}
	}
	cur := e.limits
	if lim.RatePerMinute > 0 {
		cur.RatePerMinute = lim.RatePerMinute
	}
	if lim.Burst > 0 {
		cur.Burst = lim.Burst
	}
	if lim.MaxConcurrent > 0 {
		cur.MaxConcurrent = lim.MaxConcurrent
	}
	e.limits = cur
	if e.limiter == nil {
		e.limiter = newLimiter(cur)
	} else if cur.RatePerMinute > 0 {
		e.limiter.SetLimit(perMinute(cur.RatePerMinute))
		e.limiter.SetBurst(burstOf(cur))
	}
	return nil
}

func (r *Registry) Lookup(code string) (Jurisdiction, error) {
	r.mu.RLock()
	e, ok := r.entries[normCode(code)]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedJurisdictionError{Code: code}
	}
	return e.j, nil
}

// Limits returns the effective limits for code (zero value when unknown).
func (r *Registry) Limits(code string) Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[normCode(code)]; ok {
		return e.limits
	}
	return Limits{}
}

// Codes lists registered jurisdiction codes, sorted.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for c := range r.entries {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Validate checks query against the jurisdiction's format for kind. An empty
// kind means the plugin's first query kind.
func (r *Registry) Validate(code, query, kind string) error {
	j, err := r.Lookup(code)
	if err != nil {
		return err
	}
	kind, err = resolveKind(j, kind)
	if err != nil {
		return &ValidationError{Jurisdiction: j.Code(), Kind: kind, Query: query, Reason: err.Error()}
	}
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return &ValidationError{Jurisdiction: j.Code(), Kind: kind, Query: query, Reason: "empty"}
	}
	if !j.Validate(q, kind) {
		return &ValidationError{Jurisdiction: j.Code(), Kind: kind, Query: query}
	}
	return nil
}

// Wait blocks until the jurisdiction's rate limiter admits one fetch.
func (r *Registry) Wait(ctx context.Context, code string) error {
	r.mu.RLock()
	e, ok := r.entries[normCode(code)]
	var lim *rate.Limiter
	if ok {
		lim = e.limiter
	}
	r.mu.RUnlock()
	if !ok {
		return &UnsupportedJurisdictionError{Code: code}
	}
	if lim == nil {
		return ctx.Err()
	}
	return lim.Wait(ctx)
}

// Fetch looks up the plugin and fetches the record. Errors that are not already
// part of the fetch taxonomy are classified as transient, except context errors
// which are returned unchanged.
func (r *Registry) Fetch(ctx context.Context, code, query, kind string) (Result, error) {
	j, err := r.Lookup(code)
	if err != nil {
		return Result{}, err
	}
	kind, err = resolveKind(j, kind)
	if err != nil {
		return Result{}, &PermanentFetchError{Jurisdiction: j.Code(), Err: err}
	}
	res, err := j.Fetch(ctx, strings.ToUpper(strings.TrimSpace(query)), kind)
	if err == nil {
		return res, nil
	}
	if IsTransient(err) || IsPermanent(err) {
		return Result{}, err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return Result{}, err
	}
	// Includes the plugin's own client timeout firing.
	return Result{}, &TransientFetchError{Jurisdiction: j.Code(), Err: err}
}

func resolveKind(j Jurisdiction, kind string) (string, error) {
	kinds := j.QueryKinds()
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		if len(kinds) == 0 {
			return "", errors.New("plugin declares no query kinds")
		}
		return kinds[0], nil
	}
	for _, k := range kinds {
		if strings.EqualFold(k, kind) {
			return k, nil
		}
	}
	return kind, fmt.Errorf("unknown query kind %q", kind)
}

func newLimiter(lim Limits) *rate.Limiter {
	if lim.RatePerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(perMinute(lim.RatePerMinute), burstOf(lim))
}

func perMinute(n float64) rate.Limit { return rate.Limit(n / 60) }

func burstOf(lim Limits) int {
	if lim.Burst > 0 {
		return lim.Burst
	}
	return 1
}
