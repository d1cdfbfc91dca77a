// Package discussion runs multi-persona discussions whose utterances are
// remembered by every participant's memory store.
package discussion

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/model"
	"github.com/rcliao/troupe-memory/internal/registry"
	"github.com/rcliao/troupe-memory/internal/store"
)

// Kind classifies a discussion.
type Kind string

const (
	FocusGroup    Kind = "focus_group"
	Interview     Kind = "interview"
	Brainstorming Kind = "brainstorming"
	Evaluation    Kind = "evaluation"
	Custom        Kind = "custom"
)

var validKinds = map[Kind]bool{
	FocusGroup: true, Interview: true, Brainstorming: true, Evaluation: true, Custom: true,
}

// MessageType classifies a message.
type MessageType string

const (
	Text     MessageType = "text"
	System   MessageType = "system"
	Reaction MessageType = "reaction"
)

// SystemSender is the sender of moderator and setup messages.
const SystemSender = "System"

// ErrUnknownParticipant is returned when a speaker is not in the discussion.
var ErrUnknownParticipant = errors.New("unknown participant")

// Message is one utterance in a discussion.
type Message struct {
	ID        string              `json:"id"`
	Sender    string              `json:"sender"`
	Content   string              `json:"content"`
	Type      MessageType         `json:"type"`
	Turn      int                 `json:"turn"`
	Timestamp time.Time           `json:"timestamp"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// Memory is the part of a memory store a discussion uses.
type Memory interface {
	Put(ctx context.Context, p store.PutParams) (*model.Record, error)
	Context(ctx context.Context, p store.ContextParams) (*store.ContextResult, error)
}

// OpenFunc returns the memory of the named participant.
type OpenFunc func(name string) (Memory, error)

// RegistryOpener opens participant memories through reg.
func RegistryOpener(reg *registry.Registry) OpenFunc {
	return func(name string) (Memory, error) {
		s, err := reg.Open(name)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Options configures a Discussion.
type Options struct {
	Name         string
	Kind         Kind
	Context      string
	Participants []Persona
	Open         OpenFunc
	Responder    Responder
	Logger       *zap.Logger

	// HistoryWindow is how many recent messages form the retrieval query
	// and the transcript shown to the responder. Default 10.
	HistoryWindow int
	// TopK and Budget bound the memories injected into a reply. Defaults 5 and 1000.
	TopK   int
	Budget int

	Now func() time.Time
}

// Discussion is a running conversation among personas.
type Discussion struct {
	ID      string
	Name    string
	Kind    Kind
	Context string

	participants []Persona
	memories     map[string]Memory
	responder    Responder
	logger       *zap.Logger
	window       int
	topK         int
	budget       int
	now          func() time.Time

	mu       sync.Mutex
	messages []Message
	entropy  io.Reader
}

// New creates a discussion and opens every participant's memory.
func New(opts Options) (*Discussion, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("%w: discussion name is required", store.ErrValidation)
	}
	if opts.Kind == "" {
		opts.Kind = Custom
	}
	if !validKinds[opts.Kind] {
		return nil, fmt.Errorf("%w: unknown discussion kind %q", store.ErrValidation, opts.Kind)
	}
	if len(opts.Participants) == 0 {
		return nil, fmt.Errorf("%w: at least one participant is required", store.ErrValidation)
	}
	if opts.Open == nil {
		return nil, fmt.Errorf("%w: a memory opener is required", store.ErrValidation)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	d := &Discussion{
		ID:        ulid.Make().String(),
		Name:      opts.Name,
		Kind:      opts.Kind,
		Context:   opts.Context,
		memories:  make(map[string]Memory, len(opts.Participants)),
		responder: opts.Responder,
		window:    orDefault(opts.HistoryWindow, 10),
		topK:      orDefault(opts.TopK, 5),
		budget:    orDefault(opts.Budget, 1000),
		now:       opts.Now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
	d.logger = opts.Logger.With(zap.String("component", "discussion"), zap.String("discussion_id", d.ID))

	for _, p := range opts.Participants {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := d.memories[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate participant %q", store.ErrValidation, p.Name)
		}
		mem, err := opts.Open(p.Name)
		if err != nil {
			return nil, fmt.Errorf("open memory for %s: %w", p.Name, err)
		}
		d.memories[p.Name] = mem
		d.participants = append(d.participants, p)
	}
	return d, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Participants returns the personas in join order.
func (d *Discussion) Participants() []Persona {
	return append([]Persona(nil), d.participants...)
}

// Post records a message. The message is stored as an episodic memory of
// every participant first; if any store fails, the message is not appended
// and the error is returned so the turn can be retried.
func (d *Discussion) Post(ctx context.Context, sender, content string, msgType MessageType) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty message", store.ErrValidation)
	}
	if msgType == "" {
		msgType = Text
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	msg := Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), d.entropy).String(),
		Sender:    sender,
		Content:   content,
		Type:      msgType,
		Turn:      len(d.messages) + 1,
		Timestamp: now,
	}

	for _, p := range d.participants {
		_, err := d.memories[p.Name].Put(ctx, store.PutParams{
			Content: content,
			Source:  sender,
			Type:    model.Episodic,
			Metadata: model.Metadata{
				model.MetaDiscussionID: d.ID,
				model.MetaDiscussion:   d.Name,
				model.MetaSender:       sender,
				model.MetaMessageType:  string(msgType),
				model.MetaTurn:         msg.Turn,
			},
		})
		if err != nil {
			d.logger.Error("message not recorded",
				zap.String("participant", p.Name),
				zap.Int("turn", msg.Turn),
				zap.Error(err))
			return nil, fmt.Errorf("remember turn %d for %s: %w", msg.Turn, p.Name, err)
		}
	}

	d.messages = append(d.messages, msg)
	d.logger.Debug("message posted", zap.String("sender", sender), zap.Int("turn", msg.Turn))
	return &msg, nil
}

// React records user's reaction to the message at index. Repeated
// reactions by the same user are ignored.
func (d *Discussion) React(index int, reaction, user string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.messages) {
		return fmt.Errorf("%w: no message at index %d", store.ErrValidation, index)
	}
	if reaction == "" || user == "" {
		return fmt.Errorf("%w: reaction and user are required", store.ErrValidation)
	}

	msg := &d.messages[index]
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	for _, u := range msg.Reactions[reaction] {
		if u == user {
			return nil
		}
	}
	msg.Reactions[reaction] = append(msg.Reactions[reaction], user)
	return nil
}

// Messages returns a copy of the transcript.
func (d *Discussion) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyMessages(d.messages)
}

func (d *Discussion) recent() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := len(d.messages) - d.window
	if start < 0 {
		start = 0
	}
	return copyMessages(d.messages[start:])
}

func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Reactions != nil {
			out[i].Reactions = make(map[string][]string, len(m.Reactions))
			for k, v := range m.Reactions {
				out[i].Reactions[k] = append([]string(nil), v...)
			}
		}
	}
	return out
}

// Transcript renders messages as "sender: content" lines.
func Transcript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	return b.String()
}

// Step asks speaker for the next reply, grounded in the speaker's own
// memories of the recent conversation, and posts it.
func (d *Discussion) Step(ctx context.Context, speaker string) (*Message, error) {
	if d.responder == nil {
		return nil, errors.New("discussion has no responder")
	}
	persona, ok := d.persona(speaker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, speaker)
	}

	history := d.recent()
	query := strings.TrimSpace(Transcript(history))
	if query == "" {
		query = strings.TrimSpace(d.Name + "\n" + d.Context)
	}

	packed, err := d.memories[speaker].Context(ctx, store.ContextParams{
		Query:               query,
		TopK:                d.topK,
		Budget:              d.budget,
		ExcludeConsolidated: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build context for %s: %w", speaker, err)
	}

	reply, err := d.responder.Reply(ctx, ReplyRequest{
		Persona:    persona,
		Discussion: Info{ID: d.ID, Name: d.Name, Kind: d.Kind, Context: d.Context},
		History:    history,
		Memories:   packed.Memories,
	})
	if err != nil {
		return nil, fmt.Errorf("reply from %s: %w", speaker, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, fmt.Errorf("reply from %s: empty response", speaker)
	}

	return d.Post(ctx, speaker, reply, Text)
}

// Run lets every participant speak once per round, in join order.
func (d *Discussion) Run(ctx context.Context, rounds int) ([]Message, error) {
	var posted []Message
	for r := 0; r < rounds; r++ {
		for _, p := range d.participants {
			if err := ctx.Err(); err != nil {
				return posted, err
			}
			msg, err := d.Step(ctx, p.Name)
			if err != nil {
				return posted, err
			}
			posted = append(posted, *msg)
		}
	}
	return posted, nil
}

func (d *Discussion) persona(name string) (Persona, bool) {
	for _, p := range d.participants {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}
