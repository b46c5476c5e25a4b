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

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// TermHashEmbedder is a deterministic bag of words embedder: every lower
// cased word increments the bucket its FNV hash selects, and the vector is
// L2 normalised. It needs no network and backs the "hash" provider.
type TermHashEmbedder struct {
	Dimensions int
}

func NewTermHashEmbedder(dimensions int) *TermHashEmbedder {
	if dimensions <= 0 {
		dimensions = 1024
	}
	return &TermHashEmbedder{Dimensions: dimensions}
}

func (e *TermHashEmbedder) ModelName() string { return "term-hash" }

func (e *TermHashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *TermHashEmbedder) vector(text string) []float32 {
	v := make([]float32, e.Dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(e.Dimensions)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}
