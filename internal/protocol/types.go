package protocol

// Identity identifies this agent to the coordination service.
// Fixed for the lifetime of the process.
type Identity struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	ContainerID string `json:"container_id"`
}

// StatusRunning is the only status an agent ever registers with.
const StatusRunning = "running"

// EventMessageNew is the event an agent subscribes to for push delivery.
const EventMessageNew = "message.new"

// RegisterRequest is the body of POST /api/agents/register.
type RegisterRequest struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
}

// SubscribeRequest is the body of POST /api/agents/subscribe.
type SubscribeRequest struct {
	AgentID     string   `json:"agent_id"`
	Name        string   `json:"name"`
	Events      []string `json:"events"`
	CallbackURL string   `json:"callback_url"`
}

// InterestRequest is the body of POST /api/messages/{id}/interest.
type InterestRequest struct {
	AgentID string  `json:"agent_id"`
	Name    string  `json:"name"`
	Score   float64 `json:"score"`
}

// ResultRequest is the body of POST /api/messages/{id}/process.
type ResultRequest struct {
	AgentID string `json:"agent_id"`
	Result  any    `json:"result"`
}
