// Package search implements the debounced patient search used by the
// console sessions.
package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

// DefaultDebounce is the quiet period after the last keystroke before a search is sent.
const DefaultDebounce = 200 * time.Millisecond

// Listener receives every committed result set.
type Listener func(results []domain.SearchResult)

// Option configures a Pipeline
type Option func(*Pipeline)

// WithDebounce sets the debounce interval
func WithDebounce(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger.WithField("component", "search")
		}
	}
}

// WithRequestTimeout bounds each search request
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Pipeline debounces query input and keeps the latest result set. Responses
// to requests that were superseded before they settled are discarded.
type Pipeline struct {
	searcher domain.PatientSearcher
	debounce time.Duration
	timeout  time.Duration
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	deliverMu sync.Mutex
	timer     *time.Timer
	gen       uint64 // bumped on every Input; stale timers compare against it
	seq       uint64 // token of the latest issued request
	inflight  context.CancelFunc
	results   []domain.SearchResult
	listeners []Listener
	closed    bool
}

// New creates a search pipeline over searcher
func New(searcher domain.PatientSearcher, opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		searcher: searcher,
		debounce: DefaultDebounce,
		timeout:  30 * time.Second,
		logger:   logrus.NewEntry(logrus.StandardLogger()).WithField("component", "search"),
		ctx:      ctx,
		cancel:   cancel,
		results:  []domain.SearchResult{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Normalize trims a query and puts it in Unicode NFC so composed and
// decomposed umlauts search alike.
func Normalize(query string) string {
	return norm.NFC.String(strings.TrimSpace(query))
}

// Input records a new query value and restarts the debounce timer. An empty
// query also invalidates any request still in flight.
func (p *Pipeline) Input(query string) {
	query = Normalize(query)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen

	if query == "" {
		p.invalidate()
	}

	p.timer = time.AfterFunc(p.debounce, func() {
		p.fire(gen, query)
	})
}

// invalidate makes any in-flight response stale. Callers hold p.mu.
func (p *Pipeline) invalidate() {
	p.seq++
	if p.inflight != nil {
		p.inflight()
		p.inflight = nil
	}
}

func (p *Pipeline) fire(gen uint64, query string) {
	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.invalidate()
	token := p.seq

	if query == "" {
		p.mu.Unlock()
		p.commit(token, []domain.SearchResult{})
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	p.inflight = cancel
	p.mu.Unlock()

	results, err := p.searcher.SearchPatients(ctx, query)
	ctxErr := ctx.Err()
	cancel()

	if err != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return
		}
		p.logger.WithError(err).Warn("Patient search failed")
		p.commit(token, []domain.SearchResult{})
		return
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	p.commit(token, results)
}

// commit replaces the result set if token is still the latest one.
func (p *Pipeline) commit(token uint64, results []domain.SearchResult) {
	p.mu.Lock()
	if token != p.seq || p.closed {
		p.mu.Unlock()
		p.logger.WithField("token", token).Debug("Discarding stale search response")
		return
	}
	p.results = results
	listeners := append([]Listener(nil), p.listeners...)

	p.deliverMu.Lock()
	p.mu.Unlock()
	defer p.deliverMu.Unlock()

	for _, l := range listeners {
		l(copyResults(results))
	}
}

// OnResults registers a listener for committed result sets
func (p *Pipeline) OnResults(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Results returns the current result set
func (p *Pipeline) Results() []domain.SearchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyResults(p.results)
}

// Close stops the timer and cancels in-flight requests. Later input is ignored.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.cancel()
}

func copyResults(in []domain.SearchResult) []domain.SearchResult {
	out := make([]domain.SearchResult, len(in))
	copy(out, in)
	return out
}
