package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/orchestrator"
)

func TestFormatMessage(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		msg  domain.Message
		want []string
		not  string
	}{
		{domain.Message{SenderID: "ann", Content: "hi", Type: domain.TypeText, SentAt: at}, []string{"ann", ": hi"}, "✓"},
		{domain.Message{SenderID: "bob", Content: "secret", Type: domain.TypeDeleted, SentAt: at}, []string{"message deleted"}, "secret"},
		{domain.Message{SenderID: "cy", Content: "a.png", Type: domain.TypeImage, IsRead: true, SentAt: at}, []string{"[image] a.png", "✓"}, ""},
	}
	for _, tc := range cases {
		got := formatMessage(tc.msg)
		for _, w := range tc.want {
			if !strings.Contains(got, w) {
				t.Fatalf("formatMessage(%+v) = %q, missing %q", tc.msg, got, w)
			}
		}
		if tc.not != "" && strings.Contains(got, tc.not) {
			t.Fatalf("formatMessage(%+v) = %q, must not contain %q", tc.msg, got, tc.not)
		}
	}
}

func TestRenderer_PrintsOnlyChanges(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	m1 := domain.Message{ID: "1", SenderID: "u", Content: "first", Type: domain.TypeText}
	m2 := domain.Message{ID: "2", SenderID: "u", Content: "second", Type: domain.TypeText}

	r.view(orchestrator.View{Messages: []domain.Message{m1}})
	r.view(orchestrator.View{Messages: []domain.Message{m1, m2}})
	if got := strings.Count(buf.String(), "first"); got != 1 {
		t.Fatalf("first printed %d times:\n%s", got, buf.String())
	}

	m1.Type = domain.TypeDeleted
	r.view(orchestrator.View{Messages: []domain.Message{m1, m2}})
	if !strings.Contains(buf.String(), "(edited)") || strings.Count(buf.String(), "second") != 1 {
		t.Fatalf("expected one edited line:\n%s", buf.String())
	}

	r.view(orchestrator.View{Messages: []domain.Message{m1, m2}, Err: "boom"})
	r.view(orchestrator.View{Messages: []domain.Message{m1, m2}, Err: "boom"})
	if got := strings.Count(buf.String(), "boom"); got != 1 {
		t.Fatalf("error printed %d times", got)
	}
}
