package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"errand/internal/types"
)

// Sender delivers outward messages on the owner's behalf. Implemented by the
// dispatch package; declared here so the engine does not import it.
type Sender interface {
	Send(ctx context.Context, channel types.Channel, ownerID, destination, text string) error
}

// SkillRunner executes one named, pre-installed skill in an isolated
// sandbox.
type SkillRunner interface {
	Has(skillID string) bool
	Execute(ctx context.Context, skillID string, params map[string]string) (string, error)
}

// execute carries out one action attempt with a specific method variant.
// The switch is exhaustive over the closed action set; anything else is a
// hard error because ParseActionKind should have rejected it upstream.
func (e *Executor) execute(ctx context.Context, task *types.Task, session *Session, a types.Action, method types.ExecutionMethod) (string, error) {
	if session == nil && needsSession(a.Kind) {
		return "", fmt.Errorf("no automation session for %s", a.Kind)
	}
	switch a.Kind {
	case types.ActionNavigate:
		return "", session.Navigate(ctx, targetURL(a))

	case types.ActionBrowse:
		if err := session.Navigate(ctx, targetURL(a)); err != nil {
			return "", err
		}
		text, err := session.Text(ctx)
		if err != nil {
			return "", err
		}
		return clip(text, 4000), nil

	case types.ActionClick:
		return "", session.Click(ctx, method, a.Selector)

	case types.ActionFillForm:
		return "", e.fillForm(ctx, session, a, method)

	case types.ActionExtract:
		return e.extract(ctx, session, a)

	case types.ActionScreenshot:
		return e.screenshot(ctx, task, session, a)

	case types.ActionAPICall:
		return e.apiCall(ctx, a)

	case types.ActionSendMessage:
		return "", e.send(ctx, task, a, types.ChannelSMS)

	case types.ActionSendEmail:
		return "", e.send(ctx, task, a, types.ChannelEmail)

	case types.ActionSchedule:
		return e.schedule(task, a)

	case types.ActionRemember:
		fact := a.Params["fact"]
		if fact == "" {
			return "", fmt.Errorf("remember action missing fact")
		}
		return "remembered", e.store.RememberFact(task.OwnerID, fact)

	case types.ActionPay:
		return "", e.pay(ctx, session, a, method)

	case types.ActionDelegate:
		if e.skills == nil || !e.skills.Has(a.SkillID) {
			return "", fmt.Errorf("skill %q not installed", a.SkillID)
		}
		return e.skills.Execute(ctx, a.SkillID, a.Params)

	default:
		return "", fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// needsSession reports whether an action kind touches the page and so
// cannot run without an automation session.
func needsSession(kind types.ActionKind) bool {
	switch kind {
	case types.ActionNavigate, types.ActionBrowse, types.ActionClick,
		types.ActionFillForm, types.ActionExtract, types.ActionScreenshot,
		types.ActionPay:
		return true
	}
	return false
}

func targetURL(a types.Action) string {
	if url := a.Params["url"]; url != "" {
		return url
	}
	return a.Domain
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// fillForm fills either a single selector from params["value"] or a set of
// field entries named field:<selector>.
func (e *Executor) fillForm(ctx context.Context, session *Session, a types.Action, method types.ExecutionMethod) error {
	if a.Selector != "" {
		return session.Fill(ctx, method, a.Selector, a.Params["value"])
	}
	filled := 0
	for key, value := range a.Params {
		selector, ok := strings.CutPrefix(key, "field:")
		if !ok {
			continue
		}
		if err := session.Fill(ctx, method, selector, value); err != nil {
			return fmt.Errorf("fill %s: %w", selector, err)
		}
		filled++
	}
	if filled == 0 {
		return fmt.Errorf("fill_form action has no fields")
	}
	return nil
}

func (e *Executor) screenshot(ctx context.Context, task *types.Task, session *Session, a types.Action) (string, error) {
	png, err := session.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(e.workspace, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.png", task.ID, a.ID))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// apiCall issues a plain HTTP request described by the action params.
func (e *Executor) apiCall(ctx context.Context, a types.Action) (string, error) {
	url := a.Params["url"]
	if url == "" {
		return "", fmt.Errorf("api_call action missing url")
	}
	httpMethod := strings.ToUpper(a.Params["method"])
	if httpMethod == "" {
		httpMethod = http.MethodGet
	}

	var body io.Reader
	if raw := a.Params["body"]; raw != "" {
		body = bytes.NewReader([]byte(raw))
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, url, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if ct := a.Params["content_type"]; ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if auth := a.Params["authorization"]; auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, clip(string(respBody), 500))
	}
	return string(respBody), nil
}

func (e *Executor) send(ctx context.Context, task *types.Task, a types.Action, fallback types.Channel) error {
	if e.sender == nil {
		return fmt.Errorf("no message dispatcher configured")
	}
	channel := fallback
	if c := a.Params["channel"]; c != "" {
		channel = types.Channel(c)
	}
	dest := a.Params["to"]
	if dest == "" {
		return fmt.Errorf("send action missing destination")
	}
	return e.sender.Send(ctx, channel, task.OwnerID, dest, a.Params["text"])
}

// schedule records the event as a remembered fact so later tasks can see
// it. Calendar write access, when granted, goes through api_call steps.
func (e *Executor) schedule(task *types.Task, a types.Action) (string, error) {
	title := a.Params["title"]
	when := a.Params["when"]
	if title == "" || when == "" {
		return "", fmt.Errorf("schedule action missing title or when")
	}
	fact := fmt.Sprintf("scheduled: %s at %s", title, when)
	if err := e.store.RememberFact(task.OwnerID, fact); err != nil {
		return "", err
	}
	return fact, nil
}

// pay drives a checkout flow on the current page. The locked intent already
// gated the kind; the amount limit is a second check.
func (e *Executor) pay(ctx context.Context, session *Session, a types.Action, method types.ExecutionMethod) error {
	selector := a.Selector
	if selector == "" {
		selector = a.Params["confirm_selector"]
	}
	if selector == "" {
		return fmt.Errorf("pay action missing confirmation selector")
	}
	return session.Click(ctx, method, selector)
}
