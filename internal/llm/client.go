package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"errand/internal/config"
)

// Client is the interface every model provider implements.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string

	// TakeSpend returns the cost accrued since the last call and resets the
	// counter. Callers charge the amount to whatever task drove the calls.
	TakeSpend() float64
}

// pricing maps model name prefixes to dollar cost per million tokens.
type pricing struct {
	inPerM  float64
	outPerM float64
}

var priceTable = map[string]pricing{
	"gemini-2.0-flash": {0.10, 0.40},
	"gemini-2.5-flash": {0.15, 0.60},
	"gemini-2.5-pro":   {1.25, 10.00},
	"gpt-4o-mini":      {0.15, 0.60},
	"gpt-4o":           {2.50, 10.00},
}

// defaultPricing is used for unknown models so spend is never undercounted
// to zero.
var defaultPricing = pricing{1.00, 4.00}

func costFor(model string, inTokens, outTokens int) float64 {
	p := defaultPricing
	for prefix, known := range priceTable {
		if strings.HasPrefix(model, prefix) {
			p = known
			break
		}
	}
	return float64(inTokens)*p.inPerM/1e6 + float64(outTokens)*p.outPerM/1e6
}

// spendMeter accumulates cost across calls. Embedded by providers.
type spendMeter struct {
	mu    sync.Mutex
	spend float64
}

func (m *spendMeter) addSpend(amount float64) {
	m.mu.Lock()
	m.spend += amount
	m.mu.Unlock()
}

func (m *spendMeter) TakeSpend() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.spend
	m.spend = 0
	return out
}

// New builds a client for one model based on the configured provider.
func New(cfg config.LLMConfig, model string) (Client, error) {
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiClient(cfg, model)
	case "openai", "compatible":
		return NewOpenAIClient(cfg, model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Chain builds one client per configured model, cheapest first. The order
// matches cfg.Models, which is specified cheapest to strongest.
func Chain(cfg config.LLMConfig) ([]Client, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no models configured")
	}
	clients := make([]Client, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		c, err := New(cfg, m)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// Strongest returns the last client in the chain.
func Strongest(chain []Client) Client {
	return chain[len(chain)-1]
}
