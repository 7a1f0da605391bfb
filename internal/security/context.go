// Package security carries the submitter's identity from the control message
// into the work dispatched on its behalf.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Identity is the serialized security context of a submitter.
type Identity struct {
	Subject string   `json:"subject"`
	Realm   string   `json:"realm,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// Tags describe the task running under a restored context.
type Tags struct {
	TaskIdentity string
	Owner        string
}

// Encode serializes an identity for a control message.
func Encode(id Identity) ([]byte, error) {
	if id.Subject == "" {
		return nil, errors.New("identity subject cannot be empty")
	}
	return json.Marshal(id)
}

// ContextUnavailableError is returned when no context service can be resolved.
type ContextUnavailableError struct {
	Err error
}

func (e *ContextUnavailableError) Error() string {
	if e.Err != nil {
		return "security context service unavailable: " + e.Err.Error()
	}
	return "security context service unavailable"
}

func (e *ContextUnavailableError) Unwrap() error { return e.Err }

// Service restores serialized security contexts.
type Service struct {
	logger *slog.Logger
}

// NewService creates a context service.
func NewService(logger *slog.Logger) *Service {
	return &Service{logger: logger.With("component", "security-context")}
}

// Restore deserializes blob. An empty blob restores the unauthenticated
// context, which carries no identity.
func (s *Service) Restore(blob []byte, tags Tags) (*Context, error) {
	c := &Context{tags: tags}
	if len(blob) == 0 {
		s.logger.Debug("restoring empty security context", "task", tags.TaskIdentity)
		return c, nil
	}
	var id Identity
	if err := json.Unmarshal(blob, &id); err != nil {
		return nil, fmt.Errorf("failed to deserialize security context: %w", err)
	}
	if id.Subject == "" {
		return nil, errors.New("failed to deserialize security context: empty subject")
	}
	c.identity = &id
	return c, nil
}

// Context is a restored security context.
type Context struct {
	identity *Identity
	tags     Tags
}

// Identity returns the restored identity, if any.
func (c *Context) Identity() (Identity, bool) {
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

// Groups returns the identity's group names, or nil.
func (c *Context) Groups() []string {
	if c.identity == nil {
		return nil
	}
	return slices.Clone(c.identity.Groups)
}

// Call calls fn with the identity and tags attached to ctx.
func Call[T any](ctx context.Context, c *Context, fn func(ctx context.Context) (T, error)) (T, error) {
	return fn(c.attach(ctx))
}

type identityKey struct{}
type tagsKey struct{}

func (c *Context) attach(ctx context.Context) context.Context {
	if c.identity != nil {
		ctx = WithIdentity(ctx, *c.identity)
	}
	return context.WithValue(ctx, tagsKey{}, c.tags)
}

// IdentityFrom returns the identity attached to ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// TagsFrom returns the task tags attached to ctx.
func TagsFrom(ctx context.Context) (Tags, bool) {
	t, ok := ctx.Value(tagsKey{}).(Tags)
	return t, ok
}

// WithIdentity attaches id to ctx directly.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}
