// Package render decides how execution output should be presented:
// short output goes inline, long output gets a summary plus a rendered
// HTML artifact.
package render

import (
	"regexp"
	"strings"
)

// LineThreshold is the output length, in lines, past which a full HTML
// view is rendered instead of sending everything inline.
const LineThreshold = 30

// OutputType categorizes execution output for rendering decisions.
type OutputType string

const (
	TypeDiff    OutputType = "diff"
	TypeBuild   OutputType = "build"
	TypeCode    OutputType = "code"
	TypeGeneral OutputType = "general"
)

// Classification is the rendering decision for one output.
type Classification struct {
	Type   OutputType
	IsLong bool
}

var (
	buildSignalRe = regexp.MustCompile(`(?i)(\d+\s+(passed|failed|errors?|warnings?)|PASS|FAIL|✓|✗|BUILD)`)
	codeLineRe    = regexp.MustCompile(`(?m)^(import |from |const |function |class |def |export |package |func )`)
	resultLineRe  = regexp.MustCompile(`(?i)(\d+\s+(passed|failed|errors?|warnings?|skipped)|PASS|FAIL|✓|✗|Tests?:|Suites?:|BUILD\s+(SUCCESS|FAIL))`)
	failureLineRe = regexp.MustCompile(`(?i)^\s*(FAIL|ERROR|✗|×|✕)\s`)
)

// Classify inspects output text and any diff to pick a rendering type.
func Classify(text, diffs string) Classification {
	lineCount := len(strings.Split(text, "\n"))
	isLong := lineCount >= LineThreshold

	if diffs != "" {
		return Classification{Type: TypeDiff, IsLong: isLong}
	}
	if buildSignalRe.MatchString(text) {
		return Classification{Type: TypeBuild, IsLong: isLong}
	}
	if codeLineRe.MatchString(text) {
		return Classification{Type: TypeCode, IsLong: isLong}
	}
	return Classification{Type: TypeGeneral, IsLong: isLong}
}

// InlineSummary produces the short text shown in chat when the full
// output lives behind a view link.
func InlineSummary(text string, c Classification, diffSummary string) string {
	lines := strings.Split(text, "\n")

	switch c.Type {
	case TypeDiff:
		if diffSummary != "" {
			return diffSummary
		}
		return "Files changed (see full diff)"
	case TypeBuild:
		return buildSignal(lines)
	case TypeCode:
		return strings.Join(head(lines, 15), "\n")
	default:
		return strings.Join(head(lines, 20), "\n")
	}
}

// buildSignal extracts pass/fail result lines from build or test
// output, deduplicated, falling back to the last few lines.
func buildSignal(lines []string) string {
	var signal []string
	seen := map[string]bool{}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		if resultLineRe.MatchString(line) || failureLineRe.MatchString(line) {
			signal = append(signal, trimmed)
			seen[trimmed] = true
		}
	}

	if len(signal) == 0 {
		if len(lines) > 5 {
			lines = lines[len(lines)-5:]
		}
		return strings.Join(lines, "\n")
	}
	return strings.Join(signal, "\n")
}

func head(lines []string, n int) []string {
	if len(lines) > n {
		return lines[:n]
	}
	return lines
}
