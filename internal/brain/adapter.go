package brain

import "context"

// Turn is one entry of the conversation history sent to the language model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries one generation request: the prompt plus prior turns.
type Request struct {
	SessionID string
	System    string
	History   []Turn
	Input     string
}

// Response is the final assembled reply after all deltas have streamed.
type Response struct {
	Text string
}

// DeltaHandler receives streaming text fragments as the model produces them.
// Returning an error aborts the stream; the adapter must stop promptly.
type DeltaHandler func(delta string) error

// Adapter produces assistant replies. Implementations must honor context
// cancellation mid-stream so an interrupted turn stops burning tokens.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}
