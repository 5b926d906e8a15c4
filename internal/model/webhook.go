package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// WebhookCategory groups events that share one target URL.
type WebhookCategory string

const (
	CategoryMessage  WebhookCategory = "message"
	CategoryDelivery WebhookCategory = "delivery"
	CategoryGroup    WebhookCategory = "group"
	CategorySession  WebhookCategory = "session"
)

var WebhookCategories = []WebhookCategory{CategoryMessage, CategoryDelivery, CategoryGroup, CategorySession}

func ParseWebhookCategory(s string) (WebhookCategory, error) {
	c := WebhookCategory(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range WebhookCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown webhook category %q", s)
}

// WebhookRegistry holds at most one URL per category; the last registration wins.
type WebhookRegistry struct {
	mu   sync.RWMutex
	urls map[WebhookCategory]string
}

func NewWebhookRegistry(seed map[WebhookCategory]string) *WebhookRegistry {
	r := &WebhookRegistry{urls: make(map[WebhookCategory]string)}
	for c, u := range seed {
		if strings.TrimSpace(u) != "" {
			r.urls[c] = strings.TrimSpace(u)
		}
	}
	return r
}

func (r *WebhookRegistry) Set(c WebhookCategory, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if url == "" {
		delete(r.urls, c)
		return
	}
	r.urls[c] = url
}

func (r *WebhookRegistry) Get(c WebhookCategory) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.urls[c]
	return u, ok
}

type WebhookRegistration struct {
	Category WebhookCategory `json:"category"`
	URL      string          `json:"url"`
}

func (r *WebhookRegistry) List() []WebhookRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WebhookRegistration, 0, len(r.urls))
	for c, u := range r.urls {
		out = append(out, WebhookRegistration{Category: c, URL: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
