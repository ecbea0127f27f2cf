package inferpool

import "time"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IdentityClass is a caller category with its own quota policy.
type IdentityClass string

const (
	ClassAnonymous IdentityClass = "anonymous"
	ClassDeveloper IdentityClass = "developer"
	ClassAgent     IdentityClass = "agent"
)

// Valid reports whether c is a known class.
func (c IdentityClass) Valid() bool {
	switch c {
	case ClassAnonymous, ClassDeveloper, ClassAgent:
		return true
	}
	return false
}

// Key prefixes issued to API callers.
const (
	DeveloperKeyPrefix = "dk_"
	AgentKeyPrefix     = "ak_"
)

// ClassifyKey maps an API key to its identity class. An empty key is
// anonymous; an unrecognized prefix is reported as invalid.
func ClassifyKey(apiKey string) (IdentityClass, bool) {
	switch {
	case apiKey == "":
		return ClassAnonymous, true
	case len(apiKey) > len(DeveloperKeyPrefix) && apiKey[:len(DeveloperKeyPrefix)] == DeveloperKeyPrefix:
		return ClassDeveloper, true
	case len(apiKey) > len(AgentKeyPrefix) && apiKey[:len(AgentKeyPrefix)] == AgentKeyPrefix:
		return ClassAgent, true
	default:
		return "", false
	}
}

// Request is the descriptor handed over by the API layer. Identity is
// already verified.
type Request struct {
	Identity   string
	Class      IdentityClass
	SessionKey string
	Intent     string
	Model      string
	Messages   []Message
	APIKeyID   string
}

// Response is the content returned by the provider that served a request.
type Response struct {
	Content     string
	TotalTokens int64
	Latency     time.Duration
}

// Result is returned by Router.RouteAndServe.
type Result struct {
	ProviderID string
	Response   Response
	Attempts   int
	Rerouted   bool
}
