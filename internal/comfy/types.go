package comfy

import "encoding/json"

// Upload is the server's reply to POST /upload/image.
type Upload struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// ArtifactRef points at one produced image.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	// NodeID is the output node that produced it; not part of the wire format.
	NodeID string `json:"-"`
}

type promptRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []ArtifactRef `json:"images"`
	} `json:"outputs"`
}

// Message is one WebSocket frame: {"type": ..., "data": {...}}.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
}
