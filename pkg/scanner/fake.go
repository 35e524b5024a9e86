package scanner

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkgport/pkgport/pkg/contracts"
)

// Fake is a Scanner for tests: it returns canned reports per scanned
// directory and records every call.
type Fake struct {
	mu      sync.Mutex
	reports map[string]*Report
	err     error
	calls   []string
}

// NewFake builds an empty fake; unknown directories scan clean.
func NewFake() *Fake {
	return &Fake{reports: make(map[string]*Report)}
}

// SetReport fixes the report returned for dir.
func (f *Fake) SetReport(dir string, critical, high, medium, low int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[dir] = &Report{
		CriticalCount: critical,
		HighCount:     high,
		MediumCount:   medium,
		LowCount:      low,
		SecurityScore: contracts.SecurityScore(critical, high, medium, low),
		RawResult:     json.RawMessage(`{"fake":true}`),
		ToolVersion:   "fake-0.0.0",
	}
}

// SetError makes every scan fail with err.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns the directories scanned so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) Scan(_ context.Context, dir string) (*Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dir)
	if f.err != nil {
		return nil, f.err
	}
	if report, ok := f.reports[dir]; ok {
		copied := *report
		return &copied, nil
	}
	return &Report{
		SecurityScore: contracts.SecurityScore(0, 0, 0, 0),
		RawResult:     json.RawMessage(`{"fake":true}`),
		ToolVersion:   "fake-0.0.0",
	}, nil
}
