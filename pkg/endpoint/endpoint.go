// Package endpoint names the client-facing API families the relay forwards.
package endpoint

import "strings"

// Family identifies one client-facing protocol shape.
type Family string

const (
	// Messages is the Anthropic-style /v1/messages endpoint.
	Messages Family = "claude.messages"
	// ChatCompletions is the OpenAI-style /v1/chat/completions endpoint.
	ChatCompletions Family = "chat.completions"
	// Responses is the OpenAI-style /v1/responses endpoint.
	Responses Family = "responses"
	// Models is the GET passthrough for model listing. It never carries a routing object.
	Models Family = "models"
)

// Forwardable lists the families that carry a JSON body through the routing merge.
var Forwardable = []Family{Messages, ChatCompletions, Responses}

// Path returns the inbound (and upstream) URL path for the family.
func (f Family) Path() string {
	switch f {
	case Messages:
		return "/v1/messages"
	case ChatCompletions:
		return "/v1/chat/completions"
	case Responses:
		return "/v1/responses"
	case Models:
		return "/v1/models"
	default:
		return ""
	}
}

func (f Family) String() string { return string(f) }

// FromPath maps an inbound path back to its family.
func FromPath(path string) (Family, bool) {
	p := strings.TrimRight(strings.TrimSpace(path), "/")
	for _, f := range []Family{Messages, ChatCompletions, Responses, Models} {
		if f.Path() == p {
			return f, true
		}
	}
	return "", false
}
