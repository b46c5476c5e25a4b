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

package index

import "fmt"

// Span is one chunk of text with its rune offsets in the source.
type Span struct {
	Text  string
	Start int
	End   int
}

// Splitter cuts text into windows of Size runes, each starting Size-Overlap
// runes after the previous one. The last window ends at the end of the text.
type Splitter struct {
	Size    int
	Overlap int
}

// NewSplitter requires size > 0 and 0 <= overlap < size.
func NewSplitter(size, overlap int) (*Splitter, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("invalid chunking: size %d, overlap %d", size, overlap)
	}
	return &Splitter{Size: size, Overlap: overlap}, nil
}

// Split returns the windows covering text in order, or nil when text is empty.
func (s *Splitter) Split(text string) []Span {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}
	step := s.Size - s.Overlap
	out := make([]Span, 0, (n+step-1)/step)
	for start := 0; ; start += step {
		end := min(start+s.Size, n)
		out = append(out, Span{Text: string(runes[start:end]), Start: start, End: end})
		if end == n {
			return out
		}
	}
}
