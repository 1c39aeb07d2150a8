package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/roundtable/bidding"
	"goa.design/roundtable/model"
)

type (
	// BidContext is the compact conversation view shipped to an agent when
	// asking it to score its desire to speak next.
	BidContext struct {
		Topic   string
		Goal    string
		Summary string
		Recent  []TurnBrief
		// AgentName is the display name of the agent being asked to bid.
		AgentName string
		// Persona is the agent's system prompt, when configured.
		Persona string
		// Participants lists the display names of everyone in the
		// conversation so deferral targets can be named.
		Participants []string
	}

	// TurnBrief is one entry of the recent-turn window.
	TurnBrief struct {
		Turn     int
		AgentID  string
		KeyPoint string
	}

	// BidOutcome is the parsed result of a bid generation call. Decision
	// defaults to "bid" when the model returns only scores.
	BidOutcome struct {
		Scores   bidding.Scores
		Decision bidding.Decision
	}
)

// FallbackScores are returned when bid output cannot be parsed. Low across
// the board with zero urgency so a malformed bidder rarely wins a round.
var FallbackScores = bidding.Scores{Relevance: 0.1, Confidence: 0.1, Novelty: 0.1, Urgency: 0.0}

const bidSystemPrompt = `You are deciding whether to speak next in a multi-party conversation.
Evaluate how much you want the next turn and respond with ONLY a JSON object,
no prose, of the form:
{"relevance": 0.0, "confidence": 0.0, "novelty": 0.0, "urgency": 0.0}
Each value must be a number between 0 and 1:
- relevance: how relevant your contribution would be to the current topic
- confidence: how confident you are in what you would say
- novelty: how much new ground your contribution would cover
- urgency: how time-sensitive your contribution is
You may add "decision": "pass" to sit this turn out, or "decision": "defer"
with "target": "<participant name>" to yield to another participant.`

// bidSchema validates the object extracted from bid output: the four score
// fields are required numbers, decision/target are optional.
const bidSchema = `{
	"type": "object",
	"required": ["relevance", "confidence", "novelty", "urgency"],
	"properties": {
		"relevance": {"type": "number"},
		"confidence": {"type": "number"},
		"novelty": {"type": "number"},
		"urgency": {"type": "number"},
		"decision": {"type": "string", "enum": ["bid", "pass", "defer"]},
		"target": {"type": "string"}
	}
}`

var compiledBidSchema = mustCompileBidSchema()

func mustCompileBidSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bidSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal bid schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("bid.json", doc); err != nil {
		panic(fmt.Sprintf("add bid schema resource: %v", err))
	}
	schema, err := c.Compile("bid.json")
	if err != nil {
		panic(fmt.Sprintf("compile bid schema: %v", err))
	}
	return schema
}

// prompt renders the bid request transcript: the fixed bid system prompt
// (prefixed with the agent persona when present) followed by a single user
// message describing the conversation state.
func (bc BidContext) prompt() []model.Message {
	system := bidSystemPrompt
	if bc.Persona != "" {
		system = bc.Persona + "\n\n" + bidSystemPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", bc.Topic)
	if bc.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", bc.Goal)
	}
	if len(bc.Participants) > 0 {
		fmt.Fprintf(&b, "Participants: %s\n", strings.Join(bc.Participants, ", "))
	}
	if bc.Summary != "" {
		fmt.Fprintf(&b, "\nConversation so far:\n%s\n", bc.Summary)
	}
	if len(bc.Recent) > 0 {
		b.WriteString("\nRecent turns:\n")
		for _, t := range bc.Recent {
			fmt.Fprintf(&b, "[turn %d] %s: %s\n", t.Turn, t.AgentID, t.KeyPoint)
		}
	}
	fmt.Fprintf(&b, "\nYou are %s. Do you want the next turn?", bc.AgentName)

	return []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: b.String()},
	}
}

// ParseBidScores extracts the score object from raw model output. Any
// failure, from missing JSON to schema violations, degrades to
// FallbackScores.
func ParseBidScores(text string) bidding.Scores {
	return ParseBidOutcome(text).Scores
}

// ParseBidOutcome extracts scores and the optional pass/defer decision from
// raw model output. The first balanced JSON object in the text is used;
// out-of-range scores are clamped to [0, 1]; anything unparsable yields
// FallbackScores with a plain bid decision.
func ParseBidOutcome(text string) BidOutcome {
	fallback := BidOutcome{Scores: FallbackScores, Decision: bidding.Decision{Action: bidding.ActionBid}}

	raw, ok := firstJSONObject(text)
	if !ok {
		return fallback
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fallback
	}
	if err := compiledBidSchema.Validate(doc); err != nil {
		return fallback
	}

	scores := bidding.Scores{
		Relevance:  doc["relevance"].(float64),
		Confidence: doc["confidence"].(float64),
		Novelty:    doc["novelty"].(float64),
		Urgency:    doc["urgency"].(float64),
	}.Clamp()

	decision := bidding.Decision{Action: bidding.ActionBid}
	if d, ok := doc["decision"].(string); ok {
		switch bidding.DecisionAction(d) {
		case bidding.ActionPass:
			decision.Action = bidding.ActionPass
		case bidding.ActionDefer:
			target, _ := doc["target"].(string)
			if target != "" {
				decision = bidding.Decision{Action: bidding.ActionDefer, Target: target}
			}
		}
	}
	return BidOutcome{Scores: scores, Decision: decision}
}

// firstJSONObject returns the first balanced top-level JSON object in text.
// Braces inside JSON strings do not count toward balance.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
