package service

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cloo-solutions/strata/internal/domain"
)

// ChunkStrategy selects how a document is split.
type ChunkStrategy string

const (
	ChunkStrategyFixed    ChunkStrategy = "fixed"
	ChunkStrategySentence ChunkStrategy = "sentence"
	ChunkStrategySemantic ChunkStrategy = "semantic"
)

// IsValidChunkStrategy checks if a ChunkStrategy is valid
func IsValidChunkStrategy(s ChunkStrategy) bool {
	switch s {
	case ChunkStrategyFixed, ChunkStrategySentence, ChunkStrategySemantic:
		return true
	}
	return false
}

// StrategyForContentType picks the default strategy for a document type.
func StrategyForContentType(contentType string) ChunkStrategy {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "text/markdown", "text/html":
		return ChunkStrategySentence
	case "text/plain", "":
		return ChunkStrategyFixed
	}
	return ChunkStrategyFixed
}

// ChunkConfig controls chunking. Overlap is in runes and applies to the
// fixed strategy; OverlapSentences applies to the sentence-based ones.
type ChunkConfig struct {
	MaxChars            int
	MinChars            int
	Overlap             int
	OverlapSentences    int
	MaxSentences        int
	SimilarityThreshold float64
}

// DefaultChunkConfig provides sane defaults for chunking.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChars:            1200,
		MinChars:            400,
		Overlap:             200,
		OverlapSentences:    1,
		SimilarityThreshold: 0.1,
	}
}

// Chunk is one retrieval unit. The first OverlapPrefix bytes of Text
// repeat the end of the previous chunk; the rest is new content.
type Chunk struct {
	Index         int
	Text          string
	OverlapPrefix int
}

// Body returns the chunk's text without the overlap.
func (c Chunk) Body() string {
	return c.Text[c.OverlapPrefix:]
}

// Chunker splits documents. The bodies of the chunks it returns
// partition the document exactly, so Reassemble gives back the input.
type Chunker struct {
	cfg ChunkConfig
}

func NewChunker(cfg ChunkConfig) *Chunker {
	def := DefaultChunkConfig()
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.MinChars < 0 || cfg.MinChars >= cfg.MaxChars {
		cfg.MinChars = cfg.MaxChars / 3
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.OverlapSentences < 0 {
		cfg.OverlapSentences = 0
	}
	if cfg.MaxSentences < 0 {
		cfg.MaxSentences = 0
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits text with the given strategy.
func (c *Chunker) Chunk(text string, strategy ChunkStrategy) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrDocumentEmpty
	}

	switch strategy {
	case ChunkStrategyFixed:
		return c.fixed(text), nil
	case ChunkStrategySentence:
		return c.bySentence(text, nil), nil
	case ChunkStrategySemantic:
		return c.bySentence(text, c.semanticBreak), nil
	}
	return nil, domain.ErrInvalidStrategy
}

// Reassemble concatenates chunk bodies in index order.
func Reassemble(chunks []Chunk) string {
	var b strings.Builder
	for _, ch := range chunks {
		b.WriteString(ch.Body())
	}
	return b.String()
}

// fixed cuts windows of at most MaxChars runes, preferring to cut at
// whitespace after MinChars.
func (c *Chunker) fixed(text string) []Chunk {
	runes := []rune(text)
	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + c.cfg.MaxChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			minCut := start + c.cfg.MinChars
			for i := end; i > minCut; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}

		prefixStart := max(start-c.cfg.Overlap, 0)
		prefix := string(runes[prefixStart:start])
		chunks = append(chunks, Chunk{
			Index:         len(chunks),
			Text:          prefix + string(runes[start:end]),
			OverlapPrefix: len(prefix),
		})
		start = end
	}
	return chunks
}

// bySentence groups whole sentences into chunks of at most MaxChars
// (and MaxSentences, when set). breakBefore, when non-nil, forces a new
// chunk before sentence i.
func (c *Chunker) bySentence(text string, breakBefore func(sentences []string, i int) bool) []Chunk {
	sentences := splitSentences(text)

	var groups [][2]int
	groupStart, groupLen := 0, 0
	for i, s := range sentences {
		n := utf8.RuneCountInString(s)
		if i > groupStart {
			full := groupLen+n > c.cfg.MaxChars ||
				(c.cfg.MaxSentences > 0 && i-groupStart >= c.cfg.MaxSentences) ||
				(breakBefore != nil && breakBefore(sentences, i))
			if full {
				groups = append(groups, [2]int{groupStart, i})
				groupStart, groupLen = i, 0
			}
		}
		groupLen += n
	}
	groups = append(groups, [2]int{groupStart, len(sentences)})

	chunks := make([]Chunk, 0, len(groups))
	for _, g := range groups {
		prefix := strings.Join(sentences[max(g[0]-c.cfg.OverlapSentences, 0):g[0]], "")
		body := strings.Join(sentences[g[0]:g[1]], "")
		chunks = append(chunks, Chunk{
			Index:         len(chunks),
			Text:          prefix + body,
			OverlapPrefix: len(prefix),
		})
	}
	return chunks
}

// semanticBreak splits where adjacent sentences share too few words.
func (c *Chunker) semanticBreak(sentences []string, i int) bool {
	return jaccard(wordSet(sentences[i-1]), wordSet(sentences[i])) < c.cfg.SimilarityThreshold
}

// splitSentences splits after '.', '!', '?' (and their CJK forms) or a
// blank line. Each sentence keeps its trailing whitespace, so the
// sentences concatenate back to text.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		terminal := isTerminal(r) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1]))
		paragraph := r == '\n' && i+1 < len(runes) && runes[i+1] == '\n'
		if !terminal && !paragraph {
			continue
		}
		end := i + 1
		for end < len(runes) && unicode.IsSpace(runes[end]) {
			end++
		}
		sentences = append(sentences, string(runes[start:end]))
		start = end
		i = end - 1
	}
	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}
	return sentences
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}
