package intent

import (
	"context"
	"fmt"
	"strings"

	"errand/internal/llm"
	"errand/internal/logging"
	"errand/internal/types"
)

// Classification is the structured reading of a raw task request.
type Classification struct {
	TaskType    string            `json:"task_type"`
	Goal        string            `json:"goal"`
	Domains     []string          `json:"domains"`
	Entities    map[string]string `json:"entities"`
	Assumptions []string          `json:"assumptions"`
	Unclear     []string          `json:"unclear"`
	Confidence  float64           `json:"confidence"`
}

// Task types the classifier may emit. Unknown model output is coerced to
// TypeGeneral.
const (
	TypeResearch      = "research"
	TypeShopping      = "shopping"
	TypeReservation   = "reservation"
	TypeCommunication = "communication"
	TypeScheduling    = "scheduling"
	TypePayment       = "payment"
	TypeDelegation    = "delegation"
	TypeGeneral       = "general"
)

var knownTypes = map[string]bool{
	TypeResearch:      true,
	TypeShopping:      true,
	TypeReservation:   true,
	TypeCommunication: true,
	TypeScheduling:    true,
	TypePayment:       true,
	TypeDelegation:    true,
	TypeGeneral:       true,
}

// Classifier turns raw task text into a Classification.
type Classifier struct {
	client llm.Client
}

// NewClassifier builds a classifier over one model client.
func NewClassifier(client llm.Client) *Classifier {
	return &Classifier{client: client}
}

const classifySystemPrompt = `You classify delegated tasks for an autonomous assistant.
Respond with a single JSON object:
{
  "task_type": one of research|shopping|reservation|communication|scheduling|payment|delegation|general,
  "goal": one sentence stating what done looks like,
  "domains": list of website domains likely involved (may be empty),
  "entities": object of extracted facts (names, dates, quantities, places),
  "assumptions": list of assumptions you had to make (empty if none),
  "unclear": list of parts of the request you could not resolve (empty if none),
  "confidence": 0-100 integer, how sure you are the goal matches the request
}
Do not invent entities. If the request is ambiguous, say so in "unclear" and lower the confidence.`

// Classify reads the structured intent out of a task request. Remembered
// facts about the owner are passed in so the model can resolve references
// like "my dentist" or "the usual place".
func (c *Classifier) Classify(ctx context.Context, req types.TaskRequest, ownerFacts []string) (Classification, error) {
	var sb strings.Builder
	if req.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", req.Subject)
	}
	fmt.Fprintf(&sb, "Request: %s\n", req.Body)
	if len(ownerFacts) > 0 {
		sb.WriteString("Known facts about the requester:\n")
		for _, f := range ownerFacts {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}

	out, err := c.client.CompleteWithSystem(ctx, classifySystemPrompt, sb.String())
	if err != nil {
		logging.Intent("classification fell back to heuristics: %v", err)
		return ruleClassify(req), nil
	}

	var cl Classification
	if err := llm.ParseInto(out, &cl); err != nil {
		logging.Intent("unparseable classification, falling back: %v", err)
		return ruleClassify(req), nil
	}

	normalize(&cl)
	logging.IntentDebug("classified type=%s confidence=%.0f domains=%v", cl.TaskType, cl.Confidence, cl.Domains)
	return cl, nil
}

func normalize(cl *Classification) {
	cl.TaskType = strings.ToLower(strings.TrimSpace(cl.TaskType))
	if !knownTypes[cl.TaskType] {
		cl.TaskType = TypeGeneral
	}
	if cl.Confidence < 0 {
		cl.Confidence = 0
	}
	if cl.Confidence > 100 {
		cl.Confidence = 100
	}
	if cl.Entities == nil {
		cl.Entities = map[string]string{}
	}
	for i, d := range cl.Domains {
		cl.Domains[i] = strings.ToLower(strings.TrimPrefix(d, "www."))
	}
}

// rulePatterns is the no-model fallback. Matches are deliberately coarse and
// carry low confidence so the clarifier gates them.
var rulePatterns = []struct {
	taskType string
	words    []string
}{
	{TypeReservation, []string{"reserve", "reservation", "book a table", "book an appointment", "appointment"}},
	{TypeShopping, []string{"buy", "order", "purchase", "shop for"}},
	{TypePayment, []string{"pay", "payment", "invoice", "bill"}},
	{TypeScheduling, []string{"schedule", "calendar", "meeting", "remind"}},
	{TypeCommunication, []string{"email", "message", "text", "tell", "reply"}},
	{TypeResearch, []string{"find", "research", "look up", "compare", "what is"}},
}

func ruleClassify(req types.TaskRequest) Classification {
	text := strings.ToLower(req.Subject + " " + req.Body)
	cl := Classification{
		TaskType:   TypeGeneral,
		Goal:       strings.TrimSpace(req.Body),
		Entities:   map[string]string{},
		Confidence: 40,
		Unclear:    []string{"request understood only by keyword match"},
	}
	for _, p := range rulePatterns {
		for _, w := range p.words {
			if strings.Contains(text, w) {
				cl.TaskType = p.taskType
				cl.Confidence = 55
				return cl
			}
		}
	}
	return cl
}
