// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package healing implements failure classification and the graded
// self-healing action ladder that responds to it.
package healing

import (
	"regexp"

	"github.com/kadirpekel/conductor/pkg/graph"
)

// Category is a failure classification.
type Category string

const (
	CategoryOOM               Category = "OOM"
	CategoryTimeout           Category = "TIMEOUT"
	CategoryDependencyFailure Category = "DEPENDENCY_FAILURE"
	CategoryCrash             Category = "CRASH"
	CategoryPermissionDenied  Category = "PERMISSION_DENIED"
	CategoryNetworkError      Category = "NETWORK_ERROR"
	CategoryUnknown           Category = "UNKNOWN"
)

// Pattern is one failure-category matcher.
type Pattern struct {
	Category       Category
	StderrRegexes  []*regexp.Regexp
	ExitCodes      []int
	BaseConfidence float64
}

// Classification is the outcome of FailureDetector.Classify.
type Classification struct {
	Category   Category
	Confidence float64
}

// DefaultPatterns returns the built-in pattern table.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Category:       CategoryOOM,
			StderrRegexes:  []*regexp.Regexp{regexp.MustCompile(`(?i)out of memory|oom.?killed|cannot allocate memory`)},
			ExitCodes:      []int{137},
			BaseConfidence: 0.85,
		},
		{
			Category:       CategoryTimeout,
			StderrRegexes:  []*regexp.Regexp{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`)},
			ExitCodes:      []int{124},
			BaseConfidence: 0.7,
		},
		{
			Category:       CategoryDependencyFailure,
			StderrRegexes:  []*regexp.Regexp{regexp.MustCompile(`(?i)module not found|no such file or directory|unresolved dependency|cannot find package`)},
			BaseConfidence: 0.75,
		},
		{
			Category:       CategoryCrash,
			StderrRegexes:  []*regexp.Regexp{regexp.MustCompile(`(?i)panic:|segmentation fault|core dumped|fatal error`)},
			ExitCodes:      []int{134, 139},
			BaseConfidence: 0.8,
		},
		{
			Category:       CategoryPermissionDenied,
			StderrRegexes:  []*regexp.Regexp{regexp.MustCompile(`(?i)permission denied|access is denied|forbidden`)},
			ExitCodes:      []int{126},
			BaseConfidence: 0.85,
		},
		{
			Category:       CategoryNetworkError,
			StderrRegexes:  []*regexp.Regexp{regexp.MustCompile(`(?i)connection refused|connection reset|no route to host|dns lookup failed`)},
			BaseConfidence: 0.75,
		},
	}
}

const (
	timeoutAnomalyThresholdMs = 60_000
	unknownConfidence         = 0.3
)

// Detector classifies task failures against a pattern table.
type Detector struct {
	patterns []Pattern
}

// NewDetector creates a Detector with the given pattern table (or
// DefaultPatterns if nil).
func NewDetector(patterns []Pattern) *Detector {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	return &Detector{patterns: patterns}
}

// Classify returns the highest-confidence matching category for a
// failed task result. Unmatched non-zero exits yield UNKNOWN at low
// confidence.
func (d *Detector) Classify(result graph.Result, durationMs int64) Classification {
	var best Classification

	for _, p := range d.patterns {
		confidence := 0.0
		matched := false

		for _, re := range p.StderrRegexes {
			if re.MatchString(result.Stderr) {
				matched = true
				break
			}
		}
		for _, code := range p.ExitCodes {
			if code == result.ExitCode {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		confidence = p.BaseConfidence

		if p.Category == CategoryTimeout && durationMs > timeoutAnomalyThresholdMs {
			confidence += 0.15
			if confidence > 1 {
				confidence = 1
			}
		}

		if confidence > best.Confidence {
			best = Classification{Category: p.Category, Confidence: confidence}
		}
	}

	if best.Category == "" {
		if result.ExitCode != 0 {
			return Classification{Category: CategoryUnknown, Confidence: unknownConfidence}
		}
		return Classification{Category: CategoryUnknown, Confidence: 0}
	}
	return best
}
