// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// DefaultPassageChars bounds how much of each document is placed in the
// prompt.
const DefaultPassageChars = 1000

// BuildPrompt formats question and the retrieved docs into a single prompt.
// Each document contributes only its first chunk of at most passageChars
// characters. With no documents the question is returned unchanged.
func BuildPrompt(question string, docs []Document, passageChars int) string {
	if len(docs) == 0 {
		return question
	}
	if passageChars <= 0 {
		passageChars = DefaultPassageChars
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(passageChars),
		textsplitter.WithChunkOverlap(0),
	)

	var b strings.Builder
	b.WriteString("Answer the question using the context below.\n\n")
	for i, d := range docs {
		passage := strings.TrimSpace(d.Content)
		if chunks, err := splitter.SplitText(passage); err == nil && len(chunks) > 0 {
			passage = chunks[0]
		}
		fmt.Fprintf(&b, "[Document %d: %s]\n%s\n\n", i+1, d.Source, passage)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
