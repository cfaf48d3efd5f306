package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"errand/internal/config"
	"errand/internal/logging"
	"errand/internal/types"
)

// Session is one isolated automation context. Sessions are never shared
// across tasks; each task acquires its own and releases it on every exit
// path.
type Session struct {
	ID        string
	TaskID    string
	page      *rod.Page
	incognito *rod.Browser
	mgr       *BrowserManager
	createdAt time.Time
	released  bool
	mu        sync.Mutex
}

// BrowserManager owns the shared Chrome process and hands out isolated
// incognito sessions.
type BrowserManager struct {
	cfg config.BrowserConfig

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	sessions   map[string]*Session
}

// NewBrowserManager builds the manager. Chrome is launched lazily on the
// first session acquisition.
func NewBrowserManager(cfg config.BrowserConfig) *BrowserManager {
	return &BrowserManager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

func (m *BrowserManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	started := m.browser != nil
	m.mu.RUnlock()
	if started {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		return nil
	}

	launch := launcher.New().Headless(m.cfg.Headless)
	if m.cfg.Bin != "" {
		launch = launch.Bin(m.cfg.Bin)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	logging.Browser("chrome started at %s", controlURL)
	return nil
}

// Acquire opens a fresh isolated session for one task. The caller must call
// Release on every exit path; Release is idempotent.
func (m *BrowserManager) Acquire(ctx context.Context, taskID string) (*Session, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportDim(m.cfg.ViewportWidth, 1280),
		Height:            viewportDim(m.cfg.ViewportHeight, 900),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserWarn("viewport not set: %v", err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		page:      page,
		incognito: incognito,
		mgr:       m,
		createdAt: time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logging.Browser("session %s acquired for task %s", s.ID, taskID)
	return s, nil
}

// AcquireCached opens a session and restores previously saved cookies for a
// domain. Used by the cached-session cascade tier.
func (m *BrowserManager) AcquireCached(ctx context.Context, taskID, domain string) (*Session, error) {
	s, err := m.Acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.restoreCookies(domain, m.cacheDir()); err != nil {
		logging.BrowserWarn("no cached session for %s: %v", domain, err)
	}
	return s, nil
}

func viewportDim(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func (m *BrowserManager) cacheDir() string {
	if m.cfg.SessionCacheDir != "" {
		return m.cfg.SessionCacheDir
	}
	return filepath.Join(".errand", "sessions")
}

// Shutdown closes every live session and the browser process.
func (m *BrowserManager) Shutdown() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Release()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}
	return err
}

// Release tears the session down. Safe to call more than once, and on a
// nil session.
func (s *Session) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if s.page != nil {
		_ = s.page.Close()
	}
	s.mgr.mu.Lock()
	delete(s.mgr.sessions, s.ID)
	s.mgr.mu.Unlock()
	logging.Browser("session %s released", s.ID)
}

// SaveCookies snapshots the session's cookies for a domain so a later task
// can reuse the authenticated state.
func (s *Session) SaveCookies(domain string) error {
	res, err := proto.NetworkGetCookies{}.Call(s.page)
	if err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}
	raw, err := json.Marshal(res.Cookies)
	if err != nil {
		return err
	}
	dir := s.mgr.cacheDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, domain+".json"), raw, 0o600)
}

func (s *Session) restoreCookies(domain, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, domain+".json"))
	if err != nil {
		return err
	}
	var cookies []*proto.NetworkCookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return fmt.Errorf("decode cached cookies: %w", err)
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite,
			Priority: c.Priority,
		})
	}
	if len(params) == 0 {
		return fmt.Errorf("empty cookie cache for %s", domain)
	}
	return s.page.SetCookies(params)
}

// Navigate opens a URL and waits for load.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	page := s.page.Context(ctx).Timeout(s.mgr.cfg.NavigationTimeout())
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return page.WaitLoad()
}

// element locates one element using the given strategy. MethodBrowser
// matches any visible interactive element as the robust last resort.
func (s *Session) element(ctx context.Context, method types.ExecutionMethod, selector string) (*rod.Element, error) {
	page := s.page.Context(ctx)
	switch method {
	case types.MethodCSS:
		return page.Element(selector)
	case types.MethodXPath:
		return page.ElementX(selector)
	case types.MethodText:
		return page.ElementR("*", selector)
	case types.MethodBrowser:
		if selector != "" {
			if el, err := page.Element(selector); err == nil {
				return el, nil
			}
			if el, err := page.ElementR("*", selector); err == nil {
				return el, nil
			}
		}
		return page.Element("body")
	default:
		return nil, fmt.Errorf("unsupported element method %q", method)
	}
}

// Click clicks the element the selector resolves to under the given method.
func (s *Session) Click(ctx context.Context, method types.ExecutionMethod, selector string) error {
	el, err := s.element(ctx, method, selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Fill types text into the element the selector resolves to.
func (s *Session) Fill(ctx context.Context, method types.ExecutionMethod, selector, text string) error {
	el, err := s.element(ctx, method, selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	return el.Input(text)
}

// Text returns the visible text of the current page.
func (s *Session) Text(ctx context.Context) (string, error) {
	el, err := s.page.Context(ctx).Element("body")
	if err != nil {
		return "", fmt.Errorf("page has no body: %w", err)
	}
	return el.Text()
}

// HTML returns the full page markup.
func (s *Session) HTML(ctx context.Context) (string, error) {
	return s.page.Context(ctx).HTML()
}

// Screenshot captures the viewport as PNG bytes.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(false, nil)
}

// URL returns the page's current location.
func (s *Session) URL() string {
	info, err := s.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}
