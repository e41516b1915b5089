package domain

// Appearance styles the assistant side of a chatbot.
type Appearance struct {
	Color string `json:"color,omitempty"`
	Font  string `json:"font,omitempty"`
	Size  string `json:"size,omitempty"`
}

// Chatbot binds an agent and an appearance to a public embed.
type Chatbot struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	OwnerID    string     `json:"ownerId"`
	AgentID    string     `json:"agentId"`
	Appearance Appearance `json:"appearance"`
}

// Agent is an operator-defined instruction set.
type Agent struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	Model        string `json:"model,omitempty"`
}
