// Package rag loads source documents and splits them into chunks ready for
// embedding and indexing. Readers turn files into documents, splitters turn
// documents into chunks. Both sides work on the dsl document types so the
// pipeline never re-wraps values between steps.
package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// Splitter cuts one document into ordered chunks. Chunk ids derive from the
// parent document id, so re-splitting the same document upserts in place.
type Splitter interface {
	Split(doc dsl.RAGDocument) []dsl.RAGChunk
}

// defaultSeparators orders boundaries from coarse to fine. The recursive
// splitter only descends a level when the coarser one leaves oversized parts.
var defaultSeparators = []string{"\n\n", "\n", ". ", " "}

// NewSplitter builds the named strategy. Size and overlap count runes, and
// overlap must leave room for fresh content in every chunk.
func NewSplitter(name string, size, overlap int) (Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("rag: chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("rag: chunk overlap %d must be smaller than chunk size %d", overlap, size)
	}
	switch name {
	case "recursive", "":
		return &recursiveSplitter{size: size, overlap: overlap, separators: defaultSeparators}, nil
	case "fixed":
		return &fixedSplitter{size: size, overlap: overlap}, nil
	case "overlapping":
		return &overlappingSplitter{size: size, overlap: overlap}, nil
	}
	return nil, fmt.Errorf("rag: unknown splitter '%s'", name)
}

// buildChunks materializes chunk values for a document. Every chunk carries a
// copy of the document metadata plus the source path when one is known.
func buildChunks(doc dsl.RAGDocument, pieces []string) []dsl.RAGChunk {
	chunks := make([]dsl.RAGChunk, 0, len(pieces))
	for i, piece := range pieces {
		metadata := make(map[string]any, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		if doc.Source != "" {
			metadata["source"] = doc.Source
		}
		chunks = append(chunks, dsl.RAGChunk{
			ID:         fmt.Sprintf("%s#%d", doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Content:    piece,
			Metadata:   metadata,
		})
	}
	return chunks
}

// fixedSplitter cuts hard rune windows. The stride is size minus overlap, so
// consecutive windows share their boundary text.
type fixedSplitter struct {
	size    int
	overlap int
}

func (s *fixedSplitter) Split(doc dsl.RAGDocument) []dsl.RAGChunk {
	runes := []rune(doc.Content)
	if len(runes) <= s.size {
		return buildChunks(doc, []string{doc.Content})
	}
	stride := s.size - s.overlap
	var pieces []string
	for start := 0; start < len(runes); start += stride {
		end := start + s.size
		if end >= len(runes) {
			pieces = append(pieces, string(runes[start:]))
			break
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return buildChunks(doc, pieces)
}

// overlappingSplitter accumulates whole lines until the target size, seeding
// each following chunk with the trailing lines of the previous one.
type overlappingSplitter struct {
	size    int
	overlap int
}

func (s *overlappingSplitter) Split(doc dsl.RAGDocument) []dsl.RAGChunk {
	if runeLen(doc.Content) <= s.size {
		return buildChunks(doc, []string{doc.Content})
	}
	var pieces []string
	var current []string
	currentLen := 0
	fresh := false
	for _, line := range strings.Split(doc.Content, "\n") {
		current = append(current, line)
		currentLen += runeLen(line) + 1
		fresh = true
		if currentLen >= s.size {
			pieces = append(pieces, strings.Join(current, "\n"))
			current, currentLen = s.carryOver(current)
			fresh = false
		}
	}
	if fresh {
		pieces = append(pieces, strings.Join(current, "\n"))
	}
	return buildChunks(doc, pieces)
}

// carryOver walks backwards collecting trailing lines within the overlap
// budget. They become the seed of the next chunk.
func (s *overlappingSplitter) carryOver(lines []string) ([]string, int) {
	if s.overlap <= 0 {
		return nil, 0
	}
	var kept []string
	total := 0
	for i := len(lines) - 1; i >= 0; i-- {
		lineLen := runeLen(lines[i]) + 1
		if total+lineLen > s.overlap {
			break
		}
		kept = append([]string{lines[i]}, kept...)
		total += lineLen
	}
	return kept, total
}

// recursiveSplitter splits on the coarsest separator whose parts fit the
// target size, descending a separator level only for oversized parts, then
// packs the parts greedily with an overlap tail between chunks.
type recursiveSplitter struct {
	size       int
	overlap    int
	separators []string
}

func (s *recursiveSplitter) Split(doc dsl.RAGDocument) []dsl.RAGChunk {
	if runeLen(doc.Content) <= s.size {
		return buildChunks(doc, []string{doc.Content})
	}
	return buildChunks(doc, s.pack(s.atoms(doc.Content, s.separators)))
}

// atoms cuts content into units no larger than size. Separators stay attached
// to the preceding unit, so joining atoms reproduces the content verbatim.
func (s *recursiveSplitter) atoms(content string, separators []string) []string {
	if runeLen(content) <= s.size {
		return []string{content}
	}
	if len(separators) == 0 {
		return splitRunes(content, s.size)
	}
	parts := strings.SplitAfter(content, separators[0])
	if len(parts) == 1 {
		return s.atoms(content, separators[1:])
	}
	var out []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		if runeLen(part) <= s.size {
			out = append(out, part)
			continue
		}
		out = append(out, s.atoms(part, separators[1:])...)
	}
	return out
}

// pack joins atoms into chunks of at most size runes. After emitting a chunk
// the trailing atoms within the overlap budget seed the next one; the carry
// is trimmed from the front whenever it would crowd out the incoming atom.
func (s *recursiveSplitter) pack(atoms []string) []string {
	var pieces []string
	var chunkAtoms []string
	chunkLen := 0

	emit := func() {
		pieces = append(pieces, strings.Join(chunkAtoms, ""))
		var kept []string
		total := 0
		for i := len(chunkAtoms) - 1; i >= 0 && s.overlap > 0; i-- {
			atomLen := runeLen(chunkAtoms[i])
			if total+atomLen > s.overlap {
				break
			}
			kept = append([]string{chunkAtoms[i]}, kept...)
			total += atomLen
		}
		chunkAtoms = kept
		chunkLen = total
	}

	fresh := false
	for _, atom := range atoms {
		atomLen := runeLen(atom)
		if fresh && chunkLen+atomLen > s.size {
			emit()
			fresh = false
		}
		for chunkLen > 0 && chunkLen+atomLen > s.size {
			chunkLen -= runeLen(chunkAtoms[0])
			chunkAtoms = chunkAtoms[1:]
		}
		chunkAtoms = append(chunkAtoms, atom)
		chunkLen += atomLen
		fresh = true
	}
	if fresh {
		pieces = append(pieces, strings.Join(chunkAtoms, ""))
	}
	return pieces
}

// splitRunes is the last-resort cut for text with no usable boundaries.
func splitRunes(content string, size int) []string {
	runes := []rune(content)
	out := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
