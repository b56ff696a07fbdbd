package health

import (
	"context"
	"sort"
	"sync"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates total failure.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service checks a named set of components, e.g. one per connection alias
// plus the object store.
type Service struct {
	components map[string]Pinger
}

// New creates a Service over components.
func New(components map[string]Pinger) *Service {
	return &Service{components: components}
}

// Names returns the checked component names in order.
func (s *Service) Names() []string {
	names := make([]string, 0, len(s.components))
	for n := range s.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check pings every component concurrently. Some failures degrade the
// report; all of them make it unhealthy.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult, len(s.components))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range s.components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := CheckOK
			if err := p.Ping(ctx); err != nil {
				res = CheckError
			}
			mu.Lock()
			checks[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	failed := 0
	for _, v := range checks {
		if v == CheckError {
			failed++
		}
	}
	status := Healthy
	switch {
	case failed > 0 && failed == len(checks):
		status = Unhealthy
	case failed > 0:
		status = Degraded
	}
	return Report{Status: status, Checks: checks}
}
