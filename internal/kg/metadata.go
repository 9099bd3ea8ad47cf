package kg

import (
	"fmt"
	"strings"
)

// Metadata observation prefixes. The tier prefix lives in kg.go because it is
// the governance key, not descriptive metadata.
const (
	IntentPrefix        = "intent:"
	OutcomeMetricPrefix = "outcome_metric:"
	VisionAlignPrefix   = "vision_alignment:"
	CompletenessPrefix  = "metadata_completeness:"
	SourceFilePrefix    = "source_file:"
	TitlePrefix         = "title:"
	StatementPrefix     = "statement:"
	DescriptionPrefix   = "description:"
	RationalePrefix     = "rationale:"
)

// Completeness grades how much structured metadata an entity carries.
type Completeness string

const (
	CompletenessFull    Completeness = "full"
	CompletenessPartial Completeness = "partial"
	CompletenessNone    Completeness = "none"
)

// OutcomeMetric is a named success criterion with a baseline measurement.
type OutcomeMetric struct {
	Name     string `json:"name"`
	Criteria string `json:"criteria"`
	Baseline string `json:"baseline"`
}

// VisionAlignment links an entity to a vision standard with an explanation.
type VisionAlignment struct {
	Entity      string `json:"entity"`
	Explanation string `json:"explanation"`
}

// Metadata is the structured view over an entity's metadata observations.
type Metadata struct {
	Intent       string            `json:"intent,omitempty"`
	Metrics      []OutcomeMetric   `json:"metrics,omitempty"`
	Alignments   []VisionAlignment `json:"alignments,omitempty"`
	Completeness Completeness      `json:"completeness"`
}

// ParseMetadata extracts structured metadata from an observation list.
// Completeness is derived, not read back from any stored
// metadata_completeness observation: full when both an intent and at least
// one vision alignment exist, partial when exactly one does, none otherwise.
func ParseMetadata(observations []string) Metadata {
	var md Metadata
	for _, obs := range observations {
		switch {
		case strings.HasPrefix(obs, IntentPrefix):
			if md.Intent == "" {
				md.Intent = strings.TrimSpace(strings.TrimPrefix(obs, IntentPrefix))
			}
		case strings.HasPrefix(obs, OutcomeMetricPrefix):
			md.Metrics = append(md.Metrics, parseOutcomeMetric(strings.TrimPrefix(obs, OutcomeMetricPrefix)))
		case strings.HasPrefix(obs, VisionAlignPrefix):
			md.Alignments = append(md.Alignments, parseVisionAlignment(strings.TrimPrefix(obs, VisionAlignPrefix)))
		}
	}
	md.Completeness = deriveCompleteness(md.Intent, md.Alignments)
	return md
}

func deriveCompleteness(intent string, alignments []VisionAlignment) Completeness {
	hasIntent := intent != ""
	hasAlignment := len(alignments) > 0
	switch {
	case hasIntent && hasAlignment:
		return CompletenessFull
	case hasIntent || hasAlignment:
		return CompletenessPartial
	default:
		return CompletenessNone
	}
}

// parseOutcomeMetric parses "<name>|<criteria>|<baseline>". A missing
// baseline defaults to "not measured".
func parseOutcomeMetric(raw string) OutcomeMetric {
	parts := strings.SplitN(raw, "|", 3)
	m := OutcomeMetric{Baseline: "not measured"}
	if len(parts) > 0 {
		m.Name = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		m.Criteria = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		m.Baseline = strings.TrimSpace(parts[2])
	}
	return m
}

// parseVisionAlignment parses "<entity>|<explanation>".
func parseVisionAlignment(raw string) VisionAlignment {
	parts := strings.SplitN(raw, "|", 2)
	a := VisionAlignment{Entity: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		a.Explanation = strings.TrimSpace(parts[1])
	}
	return a
}

// BuildIntentObservations composes metadata observations from structured
// values, including the derived completeness marker.
func BuildIntentObservations(intent string, metrics []OutcomeMetric, alignments []VisionAlignment) []string {
	var out []string
	if intent != "" {
		out = append(out, IntentPrefix+intent)
	}
	for _, m := range metrics {
		baseline := m.Baseline
		if baseline == "" {
			baseline = "not measured"
		}
		out = append(out, fmt.Sprintf("%s%s|%s|%s", OutcomeMetricPrefix, m.Name, m.Criteria, baseline))
	}
	for _, a := range alignments {
		out = append(out, fmt.Sprintf("%s%s|%s", VisionAlignPrefix, a.Entity, a.Explanation))
	}
	out = append(out, CompletenessPrefix+string(deriveCompleteness(intent, alignments)))
	return out
}

// StripMetadataObservations removes every metadata-prefixed observation,
// leaving free text (and the tier marker) intact. Used before rebuilding
// metadata on an entity re-write.
func StripMetadataObservations(observations []string) []string {
	var out []string
	for _, obs := range observations {
		if isMetadataObservation(obs) {
			continue
		}
		out = append(out, obs)
	}
	return out
}

func isMetadataObservation(obs string) bool {
	for _, prefix := range []string{
		IntentPrefix, OutcomeMetricPrefix, VisionAlignPrefix, CompletenessPrefix,
	} {
		if strings.HasPrefix(obs, prefix) {
			return true
		}
	}
	return false
}
