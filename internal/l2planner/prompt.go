package l2planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/osiriscare/fleetguard/internal/l2bridge"
)

// truncate shortens a string to max characters, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// systemPrompt instructs the model to return a single JSON decision object
// and constrains it to the allowlisted actions.
var systemPrompt = fmt.Sprintf(`You are the L2 remediation planner for a HIPAA compliance appliance fleet.
You receive a drift incident that the L1 deterministic rules engine could not match and must
recommend exactly one remediation action.

Respond with a single JSON object and nothing else, shaped as:
{
  "recommended_action": string,
  "action_params": object,
  "confidence": number between 0 and 1,
  "reasoning": string,
  "runbook_id": string (optional),
  "requires_approval": bool,
  "escalate_to_l3": bool
}

Only recommend actions from this allowed list; anything else must set escalate_to_l3=true:
%s

Never recommend destructive commands (disk formatting, filesystem deletion, credential
exfiltration, reverse shells). If you are not confident a safe action resolves the incident,
set escalate_to_l3=true and explain why in reasoning.`, strings.Join(DefaultAllowedActions, ", "))

// BuildUserPrompt renders an incident into the user-turn prompt text.
func BuildUserPrompt(incident *l2bridge.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INCIDENT DETAILS\n")
	fmt.Fprintf(&b, "incident_id: %s\n", incident.ID)
	fmt.Fprintf(&b, "site_id: %s\n", incident.SiteID)
	fmt.Fprintf(&b, "host_id: %s\n", incident.HostID)
	fmt.Fprintf(&b, "incident_type: %s\n", incident.IncidentType)
	fmt.Fprintf(&b, "severity: %s\n", incident.Severity)
	fmt.Fprintf(&b, "created_at: %s\n", incident.CreatedAt)
	if incident.PatternSignature != "" {
		fmt.Fprintf(&b, "pattern_signature: %s\n", incident.PatternSignature)
	}

	fmt.Fprintf(&b, "\nCONTEXT DATA\n")
	if len(incident.RawData) == 0 {
		b.WriteString("(none)\n")
	} else {
		data, _ := json.MarshalIndent(incident.RawData, "", "  ")
		b.Write(data)
		b.WriteString("\n")
	}

	return b.String()
}

// AnthropicRequest is the wire shape for POST /v1/messages.
type AnthropicRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    string `json:"system"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// AnthropicResponse is the wire shape of a Messages API response.
type AnthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// LLMResponsePayload is the JSON object the model is instructed to return as
// its message text, ahead of being wrapped into an l2bridge.LLMDecision.
type LLMResponsePayload struct {
	RecommendedAction string                 `json:"recommended_action"`
	ActionParams      map[string]interface{} `json:"action_params"`
	Confidence        float64                `json:"confidence"`
	Reasoning         string                 `json:"reasoning"`
	RunbookID         string                 `json:"runbook_id,omitempty"`
	RequiresApproval  bool                   `json:"requires_approval"`
	EscalateToL3      bool                   `json:"escalate_to_l3"`
}

// BuildRequest assembles the Messages API request for one incident.
func BuildRequest(model string, maxTokens int, incident *l2bridge.Incident) AnthropicRequest {
	req := AnthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
	}
	req.Messages = []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{
		{Role: "user", Content: BuildUserPrompt(incident)},
	}
	return req
}

// ParseResponse extracts the model's JSON decision from the API response.
// The model is asked for bare JSON but may wrap it in a code fence or add
// surrounding prose; ParseResponse tolerates both by scanning for the first
// balanced {...} object in the response text rather than requiring the text
// to be pure JSON.
func ParseResponse(resp *AnthropicResponse, incidentID string) (*l2bridge.LLMDecision, error) {
	if len(resp.Content) == 0 || resp.Content[0].Text == "" {
		return nil, fmt.Errorf("empty response from model")
	}

	raw, err := firstBalancedJSONObject(resp.Content[0].Text)
	if err != nil {
		return nil, fmt.Errorf("extract JSON object: %w", err)
	}

	var payload LLMResponsePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("parse decision JSON: %w", err)
	}

	escalate := payload.EscalateToL3 || payload.Confidence < 0.5 || payload.RecommendedAction == "escalate"

	return &l2bridge.LLMDecision{
		IncidentID:        incidentID,
		RecommendedAction: payload.RecommendedAction,
		ActionParams:      payload.ActionParams,
		Confidence:        payload.Confidence,
		Reasoning:         payload.Reasoning,
		RunbookID:         payload.RunbookID,
		RequiresApproval:  payload.RequiresApproval,
		EscalateToL3:      escalate,
	}, nil
}

// firstBalancedJSONObject scans text for the first top-level {...} object,
// tracking brace depth while honoring quoted strings and escapes so braces
// inside string values don't throw off the count.
func firstBalancedJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response text")
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
				return text[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object in response text")
}
