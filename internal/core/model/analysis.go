// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the data structures shared by the analysis pipeline,
// the corpus indexer and the agents layered on top of it.
//
// This file holds the analysis payload variant. The remote inference provider
// answers with free text for some prompts and with JSON for others, so the
// payload is modelled as a tagged value with one serialisation used by every
// consumer (persistence, indexing, prompts).
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// AnalysisKind tags the variant held by an Analysis.
type AnalysisKind int

const (
	AnalysisEmpty AnalysisKind = iota
	AnalysisText
	AnalysisStructured
)

func (k AnalysisKind) String() string {
	switch k {
	case AnalysisText:
		return "text"
	case AnalysisStructured:
		return "structured"
	default:
		return "empty"
	}
}

// Analysis is either Structured(JSON) or Text(string). The zero value is empty.
type Analysis struct {
	kind AnalysisKind
	text string
	raw  json.RawMessage
}

// TextAnalysis wraps free text.
func TextAnalysis(s string) Analysis {
	return Analysis{kind: AnalysisText, text: s}
}

// StructuredAnalysis wraps a JSON document. The document is compacted so that
// serialisation is canonical regardless of the producer's formatting.
func StructuredAnalysis(raw []byte) (Analysis, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Analysis{}, fmt.Errorf("invalid structured analysis: %w", err)
	}
	return Analysis{kind: AnalysisStructured, raw: buf.Bytes()}, nil
}

// ParseAnalysis classifies a provider answer. JSON objects and arrays become
// Structured, a JSON string literal becomes Text of its value, anything else
// is kept verbatim as Text.
func ParseAnalysis(body string) Analysis {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return TextAnalysis(body)
	}
	switch trimmed[0] {
	case '{', '[':
		if a, err := StructuredAnalysis([]byte(trimmed)); err == nil {
			return a
		}
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			return TextAnalysis(s)
		}
	}
	return TextAnalysis(body)
}

func (a Analysis) Kind() AnalysisKind { return a.kind }

func (a Analysis) Text() string { return a.text }

func (a Analysis) Raw() json.RawMessage { return a.raw }

// Serialize returns the canonical text form: compact JSON for Structured,
// the verbatim string for Text and "" for an empty value.
func (a Analysis) Serialize() string {
	switch a.kind {
	case AnalysisStructured:
		return string(a.raw)
	case AnalysisText:
		return a.text
	default:
		return ""
	}
}

// IsEmpty reports whether there is nothing worth indexing.
func (a Analysis) IsEmpty() bool {
	switch a.kind {
	case AnalysisText:
		return strings.TrimSpace(a.text) == ""
	case AnalysisStructured:
		switch string(a.raw) {
		case "", "null", "[]", "{}", `""`:
			return true
		}
		return false
	default:
		return true
	}
}

// MarshalUnescaped encodes v like json.Marshal but leaves &, < and > as
// they are, so analysis text keeps its exact characters once serialised.
func MarshalUnescaped(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (a Analysis) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case AnalysisStructured:
		return a.raw, nil
	case AnalysisText:
		return MarshalUnescaped(a.text)
	default:
		return []byte("null"), nil
	}
}

func (a *Analysis) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*a = Analysis{}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*a = TextAnalysis(s)
		return nil
	}
	parsed, err := StructuredAnalysis(trimmed)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
