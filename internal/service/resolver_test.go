package service

import (
	"context"
	"errors"
	"testing"

	"gowa-dispatch/internal/model"
)

func TestResolveShapes(t *testing.T) {
	cases := []struct {
		token string
		want  string
	}{
		{"120363025246125486@g.us", "120363025246125486@g.us"},
		{"6281234567890@s.whatsapp.net", "6281234567890@s.whatsapp.net"},
		{"6281234567890@c.us", "6281234567890@c.us"},
		{"1234567890@lid", "1234567890@lid"},
		{"6281234567890-1612345678", "6281234567890-1612345678@g.us"},
		{"6281234567890", "6281234567890@s.whatsapp.net"},
		{"+62 812 3456 7890", "6281234567890@s.whatsapp.net"},
	}
	for _, tc := range cases {
		got, err := Resolve(context.Background(), nil, tc.token)
		if err != nil {
			t.Errorf("Resolve(%q) error: %v", tc.token, err)
			continue
		}
		if got.ChatID != tc.want || got.DisplayName != "" {
			t.Errorf("Resolve(%q) = %+v, want %s", tc.token, got, tc.want)
		}
	}
}

func TestResolveShortNumberFallsThroughToNames(t *testing.T) {
	h := &fakeHandle{}
	_, err := Resolve(context.Background(), h, "812345")
	if !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("want ErrRecipientNotFound, got %v", err)
	}
}

func TestResolveGroupName(t *testing.T) {
	h := &fakeHandle{chats: []model.Chat{
		{ID: "1@g.us", Name: "Marketing Team", IsGroup: true},
		{ID: "2@g.us", Name: "Marketing", IsGroup: true},
		{ID: "3@g.us", Name: "Sales East", IsGroup: true},
		{ID: "4@g.us", Name: "Sales West", IsGroup: true},
		{ID: "5@s.whatsapp.net", Name: "Finance", IsGroup: false},
	}}
	ctx := context.Background()

	got, err := Resolve(ctx, h, "marketing")
	if err != nil || got.ChatID != "2@g.us" || got.DisplayName != "Marketing" {
		t.Fatalf("exact match should win over substring: %+v %v", got, err)
	}

	got, err = Resolve(ctx, h, "team")
	if err != nil || got.ChatID != "1@g.us" {
		t.Fatalf("single substring match: %+v %v", got, err)
	}

	_, err = Resolve(ctx, h, "sales")
	var amb *AmbiguousError
	if !errors.As(err, &amb) || !errors.Is(err, ErrRecipientAmbiguous) {
		t.Fatalf("want ambiguous error, got %v", err)
	}
	if len(amb.Candidates) != 2 {
		t.Fatalf("want 2 candidates, got %v", amb.Candidates)
	}

	if _, err = Resolve(ctx, h, "finance"); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("private chats must not match names, got %v", err)
	}

	if _, err = Resolve(ctx, h, "   "); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("blank token must be not found, got %v", err)
	}
}

func TestResolveIsDeterministicForShapes(t *testing.T) {
	for i := 0; i < 3; i++ {
		got, err := Resolve(context.Background(), nil, "0812 3456 7890")
		if err != nil || got.ChatID != "081234567890@s.whatsapp.net" {
			t.Fatalf("run %d: %+v %v", i, got, err)
		}
	}
}
