// Package identity is the seam to the external identity collaborator: it turns
// an opaque bearer token into a stable user id and display name. The real
// deployment plugs a token-service-backed Verifier in here; the implementations
// in this package cover development and tests.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrTokenInvalid = errors.New("token invalid")

type Identity struct {
	ID   string
	Name string
}

// System is the replay-origin sentinel: fragments synthesized by the server
// (restore replays) are attributed to it in the update log so they are never
// mistaken for live edits of a participant.
var System = Identity{ID: "system", Name: "system"}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier resolves tokens against a fixed table from configuration.
type StaticVerifier struct {
	tokens map[string]Identity
}

func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	copied := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticVerifier{tokens: copied}
}

func (s *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := s.tokens[token]
	if !ok {
		return Identity{}, ErrTokenInvalid
	}
	return id, nil
}

// InsecureVerifier accepts any token of the form "uid:display name". It exists
// so the server and client can run without an identity provider. Not for
// production use.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(_ context.Context, token string) (Identity, error) {
	uid, name, ok := strings.Cut(token, ":")
	if !ok || uid == "" || name == "" {
		return Identity{}, fmt.Errorf("%w: expected uid:name", ErrTokenInvalid)
	}
	return Identity{ID: uid, Name: name}, nil
}
