package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Sites    []SiteSummary // Final replicas for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Sites) > 0 {
		fmt.Fprintf(&buf, "\nReplicas:\n")
		for _, s := range e.Sites {
			fmt.Fprintf(&buf, "  [site %d] ops=%d pending=%d vector=%v digest=%.12s\n",
				s.Site, s.Operations, s.Pending, s.Vector, s.Digest)
		}
	}
	return buf.String()
}

// selectSites returns the summary for site, or all of them when site is 0.
func selectSites(sites []SiteSummary, site int) []SiteSummary {
	if site == 0 {
		return sites
	}
	for _, s := range sites {
		if s.Site == site {
			return []SiteSummary{s}
		}
	}
	return nil
}

func assertConverged(result *Result) error {
	if result.Converged() {
		return nil
	}
	digests := make([]string, len(result.Sites))
	for i, s := range result.Sites {
		digests[i] = fmt.Sprintf("%d=%.12s", s.Site, s.Digest)
	}
	return &AssertionError{
		Type:     AssertConverged,
		Expected: "identical content digests",
		Actual:   strings.Join(digests, " "),
		Sites:    result.Sites,
	}
}

func assertOperationCount(result *Result, a Assertion) error {
	for _, s := range selectSites(result.Sites, a.Site) {
		if s.Operations != a.Count {
			return &AssertionError{
				Type:     AssertOperationCount,
				Expected: fmt.Sprintf("%d operations at site %d", a.Count, s.Site),
				Actual:   fmt.Sprintf("%d operations", s.Operations),
				Sites:    result.Sites,
			}
		}
	}
	return nil
}

func assertPendingEmpty(result *Result, a Assertion) error {
	for _, s := range selectSites(result.Sites, a.Site) {
		if s.Pending != 0 {
			return &AssertionError{
				Type:     AssertPendingEmpty,
				Expected: fmt.Sprintf("no parked operations at site %d", s.Site),
				Actual:   fmt.Sprintf("%d parked", s.Pending),
				Sites:    result.Sites,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the trace holds exactly Count events of the
// given kind, optionally emitted by one site.
func assertTraceCount(result *Result, a Assertion) error {
	count := 0
	for _, ev := range result.Trace {
		if ev.Type == a.Event && (a.Site == 0 || ev.Site == a.Site) {
			count++
		}
	}
	if count != a.Count {
		where := "any site"
		if a.Site != 0 {
			where = fmt.Sprintf("site %d", a.Site)
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events from %s", a.Count, a.Event, where),
			Actual:   fmt.Sprintf("%d events", count),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertConverged:
			err = assertConverged(result)
		case AssertOperationCount:
			err = assertOperationCount(result, assertion)
		case AssertPendingEmpty:
			err = assertPendingEmpty(result, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
