package discussion

import (
	"context"

	"github.com/rcliao/troupe-memory/internal/store"
)

// Info identifies a discussion to a responder.
type Info struct {
	ID      string
	Name    string
	Kind    Kind
	Context string
}

// ReplyRequest is everything a responder needs to speak as a persona.
type ReplyRequest struct {
	Persona    Persona
	Discussion Info
	History    []Message
	Memories   []store.ContextMemory
}

// Responder generates a persona's next utterance.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req ReplyRequest) (string, error)

func (f ResponderFunc) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	return f(ctx, req)
}
