// Package failure classifies runner output and gates automatic retries.
// Both functions are pure and deterministic; they do no I/O.
package failure

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is a failure category. The values are stable wire strings.
type Kind string

const (
	KindLint    Kind = "lint"
	KindTest    Kind = "test"
	KindBuild   Kind = "build"
	KindCI      Kind = "ci"
	KindAgent   Kind = "agent"
	KindUnknown Kind = "unknown"
)

// Classification is the result of scanning runner output.
type Classification struct {
	Kind   Kind
	Detail string
}

// kindPatterns pairs a kind with its signal bank. Order is significant:
// kinds are scanned lint, test, build, ci, agent and the first match wins.
type kindPatterns struct {
	kind     Kind
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

var patternBank = []kindPatterns{
	{KindLint, compile(
		`\blint(?:ing)?\b`,
		`\bflake8\b`,
		`\beslint\b`,
		`\bruff\b`,
		`\bpylint\b`,
		`\bblack\b`,
		`\bstyle check\b`,
		`\bformat(?:ting)? check\b`,
	)},
	{KindTest, compile(
		`\btest(?:s)?\b.*\bfailed\b`,
		`\bpytest\b`,
		`\bjunit\b`,
		`\bnosetests\b`,
		`\bfailing test\b`,
		`\bassert(?:ion)?error\b`,
	)},
	{KindBuild, compile(
		`\bbuild\b.*\bfailed\b`,
		`\bcompile(?:r|d)?\b`,
		`\bcompilation\b`,
		`\bsyntax error\b`,
		`\blink(?:er)? error\b`,
		`\bmodule not found\b`,
		`\bfailed to build\b`,
	)},
	{KindCI, compile(
		`\bgithub actions\b`,
		`\bworkflow run\b`,
		`\bci\b`,
		`\bcheck run\b`,
		`\bstatus check\b`,
		`\bpipeline\b`,
	)},
	{KindAgent, compile(
		`\bcodex\b`,
		`\bopenclaw\b`,
		`\bagent\b`,
		`\bunsupported routing\b`,
		`\bbinary not found\b`,
		`\btimeout\b`,
		`\bpermission denied\b`,
	)},
}

// Classify maps merged runner output (callers pass a bounded tail) and an
// optional exit code to a failure kind. Exit codes 126 and 127 short-circuit
// to agent: the runner command was not found or not executable.
func Classify(text string, rc *int) Classification {
	if rc != nil && (*rc == 126 || *rc == 127) {
		return Classification{Kind: KindAgent, Detail: fmt.Sprintf("runner rc=%d", *rc)}
	}

	hay := strings.ToLower(text)
	for _, kp := range patternBank {
		for _, pat := range kp.patterns {
			if pat.MatchString(hay) {
				return Classification{Kind: kp.kind, Detail: "matched:" + pat.String()}
			}
		}
	}

	if rc != nil {
		return Classification{Kind: KindUnknown, Detail: fmt.Sprintf("runner rc=%d", *rc)}
	}
	return Classification{Kind: KindUnknown, Detail: "no failure signal matched"}
}
