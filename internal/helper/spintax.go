package helper

import (
	"math/rand"
	"strings"
)

// RenderMessage fills {name} with the recipient name and then resolves
// {a|b|c} spintax groups.
func RenderMessage(text, name string) string {
	if text == "" {
		return text
	}
	result := strings.ReplaceAll(text, "{name}", name)
	return RenderSpintax(result)
}

// RenderSpintax picks one option per {a|b|c} group. Braces without a pipe are
// kept verbatim.
func RenderSpintax(text string) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.Index(rest, "{")
		if start == -1 {
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			break
		}
		end += start

		body := rest[start+1 : end]
		b.WriteString(rest[:start])
		if strings.Contains(body, "|") {
			options := strings.Split(body, "|")
			b.WriteString(options[rand.Intn(len(options))])
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
	b.WriteString(rest)
	return b.String()
}
