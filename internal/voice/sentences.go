package voice

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

var loadTokenizer = sync.OnceValues(func() (*sentences.DefaultSentenceTokenizer, error) {
	return english.NewSentenceTokenizer(nil)
})

// SentenceBuffer accumulates streamed model text and releases whole
// sentences, so synthesis can start before the response is complete.
type SentenceBuffer struct {
	tokenizer *sentences.DefaultSentenceTokenizer
	pending   string
}

func NewSentenceBuffer() (*SentenceBuffer, error) {
	tok, err := loadTokenizer()
	if err != nil {
		return nil, err
	}
	return &SentenceBuffer{tokenizer: tok}, nil
}

// Push appends delta and returns any sentences that are now complete.
// The trailing sentence is held back because more text may still extend it.
func (b *SentenceBuffer) Push(delta string) []string {
	b.pending += delta
	toks := b.tokenizer.Tokenize(b.pending)
	if len(toks) < 2 {
		return nil
	}
	done := toks[:len(toks)-1]
	out := make([]string, 0, len(done))
	for _, s := range done {
		if text := sanitizeSpeechText(s.Text); text != "" {
			out = append(out, text)
		}
	}
	if end := done[len(done)-1].End; end <= len(b.pending) {
		b.pending = strings.TrimLeft(b.pending[end:], " ")
	} else {
		b.pending = toks[len(toks)-1].Text
	}
	return out
}

// Flush returns whatever is buffered and resets the buffer.
func (b *SentenceBuffer) Flush() string {
	text := sanitizeSpeechText(b.pending)
	b.pending = ""
	return text
}

// Reset drops buffered text, e.g. after the caller barges in.
func (b *SentenceBuffer) Reset() { b.pending = "" }

var (
	urlPattern          = regexp.MustCompile(`https?://\S+`)
	fencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern   = regexp.MustCompile("`[^`]*`")
	markdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)

	markupReplacer = strings.NewReplacer("*", " ", "_", " ", "\\", " ", "|", " ", "#", " ", "~", " ", "<", " ", ">", " ")
)

// sanitizeSpeechText strips markup and symbols a phone caller should never hear.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = fencedCodePattern.ReplaceAllString(raw, " ")
	raw = inlineCodePattern.ReplaceAllString(raw, " ")
	raw = markdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = urlPattern.ReplaceAllString(raw, " ")
	raw = markupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sk), r == '\u200d', r == '\ufe0f':
			// emoji and joiners
		case unicode.IsPunct(r) && !strings.ContainsRune(".,!?:;'\"-()/&", r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
