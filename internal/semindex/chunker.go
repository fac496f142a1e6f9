package semindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	. "github.com/halohq/halo/internal/logging"
)

const (
	// DefaultChunkTokens is the target chunk size in tokens.
	DefaultChunkTokens = 400
	// DefaultChunkOverlap is the token overlap between adjacent chunks.
	DefaultChunkOverlap = 80

	charsPerToken = 4
)

// Chunk is one piece of a chunked document.
type Chunk struct {
	Text       string
	StartLine  int // 1-indexed
	EndLine    int // inclusive
	Hash       string
	TokenCount int
}

// ChunkOptions configures chunking.
type ChunkOptions struct {
	TargetTokens  int
	OverlapTokens int
}

// DefaultChunkOptions returns the default chunk sizing.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{TargetTokens: DefaultChunkTokens, OverlapTokens: DefaultChunkOverlap}
}

// Chunker splits markdown into heading-aware, line-addressed chunks with
// real token counts when the tokenizer is available.
type Chunker struct {
	opts     ChunkOptions
	markdown goldmark.Markdown
	encoder  *tiktoken.Tiktoken
}

// NewChunker builds a chunker. Tokenizer setup failure degrades to the
// chars/4 estimate rather than erroring.
func NewChunker(opts ChunkOptions) *Chunker {
	if opts.TargetTokens <= 0 {
		opts.TargetTokens = DefaultChunkTokens
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = DefaultChunkOverlap
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		L_warn("semindex: tokenizer unavailable, using char estimate", "error", err)
		enc = nil
	}
	return &Chunker{
		opts:     opts,
		markdown: goldmark.New(),
		encoder:  enc,
	}
}

// CountTokens returns the token count of text.
func (c *Chunker) CountTokens(s string) int {
	if c.encoder != nil {
		return len(c.encoder.Encode(s, nil, nil))
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// ChunkMarkdown splits content into chunks. Heading lines start new
// chunks so a section never straddles two chunks unless it is itself
// larger than the target size.
func (c *Chunker) ChunkMarkdown(content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	headings := c.headingLines(content)

	targetChars := c.opts.TargetTokens * charsPerToken
	overlapChars := c.opts.OverlapTokens * charsPerToken

	var chunks []Chunk
	var b strings.Builder
	startLine := 1
	charCount := 0

	flush := func(endLine int) {
		chunkText := strings.TrimSpace(b.String())
		if chunkText != "" {
			chunks = append(chunks, Chunk{
				Text:       chunkText,
				StartLine:  startLine,
				EndLine:    endLine,
				Hash:       HashContent(chunkText),
				TokenCount: c.CountTokens(chunkText),
			})
		}
		b.Reset()
		charCount = 0
	}

	for i, line := range lines {
		lineNum := i + 1
		lineLen := len(line) + 1

		boundary := headings[lineNum] && charCount > 0
		overflow := charCount > 0 && charCount+lineLen > targetChars
		if boundary || overflow {
			flush(lineNum - 1)
			startLine = lineNum
			if overflow && !boundary && overlapChars > 0 {
				startLine = overlapStart(lines, lineNum-1, overlapChars)
				for j := startLine - 1; j < lineNum-1; j++ {
					b.WriteString(lines[j])
					b.WriteByte('\n')
					charCount += len(lines[j]) + 1
				}
			}
		}

		b.WriteString(line)
		b.WriteByte('\n')
		charCount += lineLen
	}
	flush(len(lines))

	return chunks
}

// headingLines returns the 1-indexed line numbers that begin a markdown
// heading, resolved from the parsed AST.
func (c *Chunker) headingLines(content string) map[int]bool {
	src := []byte(content)
	reader := text.NewReader(src)
	doc := c.markdown.Parser().Parse(reader)

	lineOffsets := []int{0}
	for i, ch := range src {
		if ch == '\n' {
			lineOffsets = append(lineOffsets, i+1)
		}
	}
	offsetToLine := func(off int) int {
		n := sort.Search(len(lineOffsets), func(i int) bool { return lineOffsets[i] > off })
		return n // 1-indexed
	}

	headings := make(map[int]bool)
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok && h.Lines().Len() > 0 {
			headings[offsetToLine(h.Lines().At(0).Start)] = true
		}
		return ast.WalkContinue, nil
	})
	return headings
}

func overlapStart(lines []string, endLine, overlapChars int) int {
	chars := 0
	start := endLine
	for start > 1 {
		chars += len(lines[start-1]) + 1
		if chars > overlapChars {
			break
		}
		start--
	}
	return start
}

// HashContent is the canonical content hash: hex sha256.
func HashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives the stable chunk identifier from the source path and
// line range. Re-chunking unchanged content always reproduces it.
func ChunkID(path string, startLine, endLine int) string {
	return fmt.Sprintf("%s:%d:%d", HashContent(path)[:16], startLine, endLine)
}
