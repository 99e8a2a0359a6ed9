package voice

import "testing"

func TestSentenceBufferReleasesCompleteSentences(t *testing.T) {
	b, err := NewSentenceBuffer()
	if err != nil {
		t.Fatalf("NewSentenceBuffer() error = %v", err)
	}

	if got := b.Push("Welcome to Bella Vista"); len(got) != 0 {
		t.Fatalf("Push() = %q, want nothing before a sentence ends", got)
	}
	got := b.Push(". How can I help you")
	if len(got) != 1 || got[0] != "Welcome to Bella Vista." {
		t.Fatalf("Push() = %q, want [%q]", got, "Welcome to Bella Vista.")
	}
	if got := b.Push(" today?"); len(got) != 0 {
		t.Fatalf("Push() = %q, want trailing sentence held back", got)
	}
	if got := b.Flush(); got != "How can I help you today?" {
		t.Fatalf("Flush() = %q, want %q", got, "How can I help you today?")
	}
	if got := b.Flush(); got != "" {
		t.Fatalf("second Flush() = %q, want empty", got)
	}
}

func TestSentenceBufferReset(t *testing.T) {
	b, err := NewSentenceBuffer()
	if err != nil {
		t.Fatalf("NewSentenceBuffer() error = %v", err)
	}
	b.Push("Our hours are")
	b.Reset()
	if got := b.Flush(); got != "" {
		t.Fatalf("Flush() after Reset = %q, want empty", got)
	}
}

func TestSanitizeSpeechText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops emoji and markdown markers",
			in:   "Sure \U0001F60A **let's** book that.",
			want: "Sure let's book that.",
		},
		{
			name: "keeps link label and removes url",
			in:   "See [our menu](https://example.com/menu) online.",
			want: "See our menu online.",
		},
		{
			name: "removes code",
			in:   "```\nSELECT 1\n```\nTable for `two` please",
			want: "Table for please",
		},
		{
			name: "collapses whitespace",
			in:   "  Party\tof\n\nfour  ",
			want: "Party of four",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeSpeechText(tc.in); got != tc.want {
				t.Fatalf("sanitizeSpeechText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
