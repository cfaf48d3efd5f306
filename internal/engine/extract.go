package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"errand/internal/types"
)

// extract pulls the evidence an action asks for out of the current page.
// The page markup is reduced to visible text first; when a goal and a model
// are available the text is distilled to a direct answer.
func (e *Executor) extract(ctx context.Context, session *Session, a types.Action) (string, error) {
	markup, err := session.HTML(ctx)
	if err != nil {
		return "", err
	}
	text, err := visibleText(markup)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("page produced no visible text")
	}

	goal := a.Params["goal"]
	if goal == "" || e.client == nil {
		return clip(text, 4000), nil
	}

	prompt := fmt.Sprintf("Answer using only this page content.\nQuestion: %s\n\nPage:\n%s", goal, clip(text, 12000))
	answer, err := e.client.Complete(ctx, prompt)
	if err != nil {
		// The raw text still answers the step, degrade instead of failing.
		return clip(text, 4000), nil
	}
	return answer, nil
}

// skipTags never contribute visible text.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"head": true, "template": true, "svg": true,
}

// visibleText flattens markup into whitespace-normalized text.
func visibleText(markup string) (string, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				sb.WriteString(trimmed)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			sb.WriteByte('\n')
		}
	}
	walk(root)

	return strings.TrimSpace(sb.String()), nil
}

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "br": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "section": true,
	"article": true,
}
