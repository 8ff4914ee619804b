package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "skycast/internal/transport"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 4000)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = strings.Repeat("x", 90)
	}
	text := strings.Join(lines, "\n")

	chunks := splitText(text, 1000)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 1000 {
			t.Fatalf("chunk %d exceeds the limit (%d runes)", i, len([]rune(c)))
		}
		// newline-preferring split keeps lines whole
		for _, line := range strings.Split(c, "\n") {
			if len(line) != 90 {
				t.Fatalf("chunk %d split mid-line: %q", i, line)
			}
		}
	}

	joined := strings.Join(chunks, "\n")
	if strings.ReplaceAll(joined, "\n", "") != strings.ReplaceAll(text, "\n", "") {
		t.Fatal("content lost while splitting")
	}
}

func TestSplitTextHardSplitWithoutNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 2500)
	chunks := splitText(text, 1000)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != 2500 {
		t.Fatalf("total runes = %d, want 2500", total)
	}
}

func TestClassifySendErr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantGone bool
	}{
		{name: "nil", err: nil, wantGone: false},
		{name: "forbidden code", err: &tele.Error{Code: 403, Description: "bot was blocked by the user"}, wantGone: true},
		{name: "blocked sentinel", err: tele.ErrBlockedByUser, wantGone: true},
		{name: "deactivated sentinel", err: tele.ErrUserIsDeactivated, wantGone: true},
		{name: "rate limited", err: &tele.Error{Code: 429, Description: "too many requests"}, wantGone: false},
		{name: "generic", err: errors.New("connection reset"), wantGone: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := classifySendErr(tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("classifySendErr(nil) = %v", got)
				}
				return
			}
			if gone := kit.IsRecipientGone(got); gone != tt.wantGone {
				t.Fatalf("IsRecipientGone = %v, want %v (err %v)", gone, tt.wantGone, got)
			}
		})
	}
}
