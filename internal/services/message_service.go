// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns the lifecycle of messages on the dev history server. It validates and
// normalizes inputs, persists through the repo layer, and publishes every
// successful mutation to the push feed so connected clients can merge it.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include the conversation reference and pagination parameters where
// applicable.

package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxContentRunes caps message content when MaxContentRunes is unset.
const DefaultMaxContentRunes = 4000

// Publisher receives events for every stored mutation.
type Publisher interface {
	Publish(ev domain.Event)
}

// NewMessage is the input of Post.
type NewMessage struct {
	SenderID  string
	Content   string
	Type      domain.MessageType
	ReplyToID *string
}

// MessageService coordinates message persistence and push publication.
type MessageService struct {
	DB        *gorm.DB
	Publisher Publisher // optional

	// Optional guard; zero means DefaultMaxContentRunes.
	MaxContentRunes int
}

func (s *MessageService) tracer() trace.Tracer { return otel.Tracer("services/MessageService") }

func keyAttrs(key domain.ConversationKey) attribute.KeyValue {
	return attribute.String("conversation", key.String())
}

// Post validates and stores a new message in key, then publishes it.
func (s *MessageService) Post(ctx context.Context, key domain.ConversationKey, in NewMessage) (*domain.Message, error) {
	ctx, span := s.tracer().Start(ctx, "Post", trace.WithAttributes(keyAttrs(key)))
	defer span.End()

	if err := key.Validate(); err != nil {
		return nil, err
	}
	sender := strings.TrimSpace(in.SenderID)
	if sender == "" {
		return nil, ErrMissingSender
	}
	content := SanitizeContent(in.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > s.maxRunes() {
		return nil, ErrTooLong
	}
	typ := in.Type
	if typ == "" {
		typ = domain.TypeText
	}
	if !typ.Valid() || typ == domain.TypeDeleted {
		return nil, ErrInvalidType
	}

	m, err := repo.CreateMessage(ctx, s.DB, domain.Message{
		ConversationID: key.ConversationID,
		GroupID:        key.GroupID,
		SenderID:       sender,
		Content:        content,
		Type:           typ,
		ReplyToID:      in.ReplyToID,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("message.id", m.ID))
	s.publish(domain.NewMessageEvent(*m))
	return m, nil
}

// ListPage returns one page of key's history, newest first.
func (s *MessageService) ListPage(ctx context.Context, key domain.ConversationKey, opts domain.FetchOptions) (domain.Page, error) {
	ctx, span := s.tracer().Start(ctx, "ListPage",
		trace.WithAttributes(
			keyAttrs(key),
			attribute.Int("page_size", opts.PageSize),
			attribute.String("direction", string(opts.Direction)),
		),
	)
	defer span.End()

	return repo.FetchPage(ctx, s.DB, key, opts)
}

// Patch applies a partial update and publishes the matching event: a bare
// read flag yields message.read, a bare deletion message.deleted, anything
// else message.updated.
func (s *MessageService) Patch(ctx context.Context, key domain.ConversationKey, id string, patch domain.MessagePatch) (*domain.Message, error) {
	ctx, span := s.tracer().Start(ctx, "Patch",
		trace.WithAttributes(keyAttrs(key), attribute.String("message.id", id)),
	)
	defer span.End()

	if patch.Empty() {
		return nil, ErrEmptyPatch
	}
	if patch.Type != nil && *patch.Type != domain.TypeDeleted {
		return nil, ErrInvalidType
	}
	m, err := repo.UpdateMessage(ctx, s.DB, key, id, patch)
	if err != nil {
		return nil, mapNotFound(err)
	}

	evType := domain.EventMessageUpdated
	switch {
	case patch.Type != nil && patch.IsRead == nil:
		evType = domain.EventMessageDeleted
	case patch.Type == nil && *patch.IsRead:
		evType = domain.EventMessageRead
	}
	s.publish(domain.PatchEvent(evType, key, id, patch))
	return m, nil
}

// Delete soft-deletes a message, or removes it when hard is set.
func (s *MessageService) Delete(ctx context.Context, key domain.ConversationKey, id string, hard bool) error {
	ctx, span := s.tracer().Start(ctx, "Delete",
		trace.WithAttributes(keyAttrs(key), attribute.String("message.id", id), attribute.Bool("hard", hard)),
	)
	defer span.End()

	if _, err := repo.DeleteMessage(ctx, s.DB, key, id, hard); err != nil {
		return mapNotFound(err)
	}
	if hard {
		s.publish(domain.PatchEvent(domain.EventMessageRemoved, key, id, domain.MessagePatch{}))
	} else {
		s.publish(domain.PatchEvent(domain.EventMessageDeleted, key, id, domain.MarkDeleted()))
	}
	return nil
}

func (s *MessageService) publish(ev domain.Event) {
	if s.Publisher != nil {
		s.Publisher.Publish(ev)
	}
}

func (s *MessageService) maxRunes() int {
	if s.MaxContentRunes > 0 {
		return s.MaxContentRunes
	}
	return DefaultMaxContentRunes
}

func mapNotFound(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	return err
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// SanitizeContent normalizes user text for consistent dedup and storage:
//   - applies Unicode NFC so visually equal content compares equal,
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two,
//   - trims surrounding whitespace.
func SanitizeContent(raw string) string {
	s := norm.NFC.String(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
