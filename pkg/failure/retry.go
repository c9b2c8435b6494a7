package failure

import (
	"fmt"
	"strings"
)

// Decision is the retry gate's verdict.
type Decision struct {
	ShouldRetry bool
	Reason      string
}

// DecideRetry is the hard gate for automatic retries.
//
// The same CI/test step is rerun only on a strong infra signal; LLM-driven
// fix-and-retry is allowed only for fixable categories; max_attempts is
// never exceeded.
func DecideRetry(failureKind, failureDetail string, attempt, maxAttempts int) Decision {
	if attempt >= maxAttempts {
		return Decision{false, fmt.Sprintf("attempt %d >= max_attempts %d", attempt, maxAttempts)}
	}

	kind := strings.ToLower(failureKind)
	if kind == "" {
		kind = string(KindUnknown)
	}
	detail := strings.ToLower(failureDetail)

	// Safe flake rerun bucket.
	if strings.Contains(detail, "timeout") || strings.Contains(detail, "flaky") || strings.Contains(detail, "temporar") {
		return Decision{true, "flaky/timeout signal"}
	}

	// Known fixable buckets.
	switch kind {
	case "lint", "format", "type", "build":
		return Decision{true, "fixable failure_kind=" + kind}
	}

	if kind == "test" || kind == "ci" {
		for _, sig := range []string{"connection reset", "rate limit", "502", "503"} {
			if strings.Contains(detail, sig) {
				return Decision{true, "infra signal in CI/test"}
			}
		}
		return Decision{false, "CI/test failures require classification / human gate"}
	}

	return Decision{false, "unknown/untrusted failure_kind=" + kind}
}
