package service

import (
	"context"
	"fmt"
	"strings"

	"gowa-dispatch/internal/helper"
	"gowa-dispatch/internal/model"
)

// Resolution is a recipient token mapped onto a chat id. DisplayName is set
// only when the chat was found by its group name.
type Resolution struct {
	ChatID      string `json:"chatId"`
	DisplayName string `json:"displayName,omitempty"`
}

var passThroughSuffixes = []string{
	model.GroupSuffix,
	model.PersonSuffix,
	model.LegacyUserSuffix,
	model.LIDSuffix,
	model.NewsletterSuffix,
}

// Resolve turns a caller-supplied recipient token into a chat id for one
// session. The first matching rule wins:
//
//  1. explicit chat id suffix: unchanged
//  2. contains a dash: bare group id
//  3. ten or more digits once spaces, dashes and plus are stripped: phone
//  4. group display name, exact then substring (case-insensitive)
//
// Several matches on one rule yield an *AmbiguousError.
func Resolve(ctx context.Context, h model.Handle, token string) (Resolution, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Resolution{}, fmt.Errorf("%w: empty token", ErrRecipientNotFound)
	}

	if id, ok := resolveByShape(token); ok {
		return Resolution{ChatID: id}, nil
	}

	if h == nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrRecipientNotFound, token)
	}
	return resolveByGroupName(ctx, h, token)
}

// resolveByShape covers the pure string rules.
func resolveByShape(token string) (string, bool) {
	lower := strings.ToLower(token)
	for _, suffix := range passThroughSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return token, true
		}
	}

	if strings.Contains(token, "-") && !strings.Contains(token, "@") {
		return token + model.GroupSuffix, true
	}

	stripped := helper.StripPhoneSeparators(token)
	if len(stripped) >= 10 && helper.DigitsOnly(stripped) == stripped {
		return stripped + model.PersonSuffix, true
	}
	return "", false
}

func resolveByGroupName(ctx context.Context, h model.Handle, token string) (Resolution, error) {
	chats, err := h.ListChats(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: list chats: %v", ErrRecipientNotFound, err)
	}

	needle := strings.ToLower(token)
	var exact, partial []model.Chat
	for _, c := range chats {
		if !c.IsGroup || c.Name == "" {
			continue
		}
		name := strings.ToLower(c.Name)
		if name == needle {
			exact = append(exact, c)
		} else if strings.Contains(name, needle) {
			partial = append(partial, c)
		}
	}

	for _, candidates := range [][]model.Chat{exact, partial} {
		switch len(candidates) {
		case 0:
			continue
		case 1:
			return Resolution{ChatID: candidates[0].ID, DisplayName: candidates[0].Name}, nil
		default:
			amb := &AmbiguousError{Token: token}
			for _, c := range candidates {
				amb.Candidates = append(amb.Candidates, fmt.Sprintf("%s (%s)", c.Name, c.ID))
			}
			return Resolution{}, amb
		}
	}
	return Resolution{}, fmt.Errorf("%w: %s", ErrRecipientNotFound, token)
}
