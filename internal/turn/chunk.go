package turn

import "strings"

// Break points in order of preference.
var chunkSeparators = []string{". ", "! ", "? ", "; ", ", ", " "}

// ChunkText splits text into pieces of at most max runes, cutting after the
// strongest punctuation available. A cut is never placed in the first third
// of the window unless no separator qualifies, in which case the window is
// cut hard.
func ChunkText(text string, max int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if max <= 0 || len([]rune(trimmed)) <= max {
		return []string{trimmed}
	}

	var chunks []string
	remaining := []rune(trimmed)
	for len(remaining) > 0 {
		if len(remaining) <= max {
			chunks = appendChunk(chunks, string(remaining))
			break
		}
		window := string(remaining[:max])
		cut := -1
		for _, sep := range chunkSeparators {
			idx := strings.LastIndex(window, sep)
			if idx < 0 {
				continue
			}
			// idx is a byte offset; compare in runes.
			runeIdx := len([]rune(window[:idx]))
			if runeIdx > max/3 {
				cut = runeIdx + len([]rune(sep))
				break
			}
		}
		if cut <= 0 {
			cut = max
		}
		chunks = appendChunk(chunks, string(remaining[:cut]))
		remaining = []rune(strings.TrimSpace(string(remaining[cut:])))
	}
	return chunks
}

func appendChunk(chunks []string, chunk string) []string {
	if chunk = strings.TrimSpace(chunk); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}
