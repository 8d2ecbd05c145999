package openaicompat

import (
	"github.com/renyus/prisma"
)

// BuildBody converts a prisma.ChatRequest into the wire body. Nil
// generation parameters are omitted so the vendor's defaults apply.
func BuildBody(req prisma.ChatRequest, model string) ChatRequest {
	body := ChatRequest{
		Model:    model,
		Messages: make([]Message, len(req.Messages)),
	}
	for i, m := range req.Messages {
		body.Messages[i] = Message{Role: m.Role, Content: m.Content}
	}
	if p := req.Params; p != nil {
		body.Temperature = p.Temperature
		body.TopP = p.TopP
		body.FrequencyPenalty = p.FrequencyPenalty
		body.PresencePenalty = p.PresencePenalty
		if p.MaxTokens != nil {
			body.MaxTokens = *p.MaxTokens
		}
	}
	return body
}
