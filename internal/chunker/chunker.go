// Package chunker splits call transcripts into overlapping, speaker-aware
// text chunks. Chunking is a pure function of the input text, so re-running
// it over the same transcript always yields the same chunk sequence.
package chunker

import (
	"regexp"
	"strings"
)

const (
	// ChunkSize is the target chunk length in characters.
	ChunkSize = 2000
	// ChunkOverlap is the trailing overlap carried into the next chunk.
	ChunkOverlap = 200

	// oversizeThreshold is the section length beyond which paragraph and
	// sentence splitting kicks in.
	oversizeThreshold = ChunkSize * 3 / 2

	sectionSep = "\n\n"
)

// speakerTurnRe matches the start of a labeled speaker turn at a line
// boundary, e.g. "REP:" or "PROSPECT:".
var speakerTurnRe = regexp.MustCompile(`(?m)^(?:REP|PROSPECT):`)

// sentenceEndRe matches sentence-ending punctuation followed by whitespace.
var sentenceEndRe = regexp.MustCompile(`[.!?]\s+`)

// Chunk splits a transcript into ordered, overlapping chunks. Dialogue
// boundaries are preserved before falling back to paragraph, then sentence,
// boundaries; sections that still exceed the target size are hard-sliced
// into fixed windows with the same trailing overlap.
func Chunk(text string) []string {
	sections := splitSpeakerTurns(text)

	var refined []string
	for _, section := range sections {
		if len(section) > oversizeThreshold {
			refined = append(refined, splitOversized(section)...)
		} else {
			refined = append(refined, section)
		}
	}

	var chunks []string
	buffer := ""
	for _, section := range refined {
		if strings.TrimSpace(section) == "" {
			continue
		}

		candidate := section
		if buffer != "" {
			if len(buffer)+len(sectionSep)+len(section) <= ChunkSize {
				buffer += sectionSep + section
				continue
			}
			chunks = append(chunks, buffer)
			candidate = tail(buffer, ChunkOverlap) + sectionSep + section
		}

		if len(candidate) > ChunkSize {
			windows := hardSlice(candidate)
			chunks = append(chunks, windows[:len(windows)-1]...)
			buffer = windows[len(windows)-1]
		} else {
			buffer = candidate
		}
	}
	if strings.TrimSpace(buffer) != "" {
		chunks = append(chunks, buffer)
	}

	return chunks
}

// splitSpeakerTurns cuts the text before each new speaker turn, keeping the
// label with the text that follows it.
func splitSpeakerTurns(text string) []string {
	matches := speakerTurnRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}

	var sections []string
	prev := 0
	for _, m := range matches {
		if m[0] > prev {
			sections = append(sections, text[prev:m[0]])
		}
		prev = m[0]
	}
	sections = append(sections, text[prev:])
	return sections
}

// splitOversized breaks one oversized section on blank-line paragraph
// boundaries, then on sentence boundaries for paragraphs that are still too
// long. Pieces that remain oversized are left for the hard-slice pass.
func splitOversized(section string) []string {
	var out []string
	for _, paragraph := range strings.Split(section, sectionSep) {
		if len(paragraph) <= oversizeThreshold {
			out = append(out, paragraph)
			continue
		}
		out = append(out, splitSentences(paragraph)...)
	}
	return out
}

// splitSentences cuts after sentence-ending punctuation followed by
// whitespace.
func splitSentences(text string) []string {
	matches := sentenceEndRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}

	var out []string
	prev := 0
	for _, m := range matches {
		out = append(out, text[prev:m[1]])
		prev = m[1]
	}
	if prev < len(text) {
		out = append(out, text[prev:])
	}
	return out
}

// hardSlice cuts an oversized run into fixed windows of the target size
// with the standard trailing overlap.
func hardSlice(text string) []string {
	var out []string
	step := ChunkSize - ChunkOverlap
	for start := 0; start < len(text); start += step {
		end := start + ChunkSize
		if end >= len(text) {
			out = append(out, text[start:])
			break
		}
		out = append(out, text[start:end])
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
