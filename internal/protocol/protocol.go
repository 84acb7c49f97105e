// Package protocol implements the bridge's protocol-agnostic activity
// router: the plugin contract, id and handle resolution, identifier
// translation, the cached load engine, the receive pipeline, the delivery
// planner, and the send handler.
//
// Concrete protocols register a Protocol value with a Registry; everything
// else in the package is written against that contract.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/brigfed/brig/internal/store"
)

// Ownership is a plugin's answer to "do you own this id/handle": yes, no,
// or can't tell without network I/O.
type Ownership int

const (
	OwnsUnknown Ownership = iota
	OwnsYes
	OwnsNo
)

// HandleStyle describes the shape of a protocol's handles, used when
// translating handles into it.
type HandleStyle int

const (
	// HandleAtDomain is @user@instance style (actor-inbox federation).
	HandleAtDomain HandleStyle = iota
	// HandleDomain is bare-hostname style (did-repo, nostr).
	HandleDomain
	// HandleWebURL is a plain profile URL.
	HandleWebURL
)

// Info holds a protocol's static attributes.
type Info struct {
	// Label is the human-readable lower case name, unique in a registry.
	Label string
	// Abbrev is the lower case abbreviation used in URL paths and
	// subdomains.
	Abbrev string
	// ContentType is the MIME type of the protocol's native data format.
	ContentType string

	// HasFollowAccepts is whether the protocol supports explicit accept
	// activities in response to follows.
	HasFollowAccepts bool
	// HasCopies is whether the protocol is push style and needs proactively
	// created copy users and objects.
	HasCopies bool
	// PushEndpoint is the well-known shared delivery endpoint for push
	// style protocols.
	PushEndpoint string

	RequiresAvatar     bool
	RequiresName       bool
	RequiresOldAccount bool

	// DefaultEnabledProtocols are labels of protocols automatically enabled
	// for this protocol's users to bridge into.
	DefaultEnabledProtocols []string

	Handles HandleStyle
}

// Protocol is the uniform contract every concrete protocol plugin
// implements. All operations take and return the canonical activity form;
// wire encodings stay inside the plugin.
type Protocol interface {
	Info() Info

	// OwnsID is a cheap guess with no I/O.
	OwnsID(id string) Ownership
	// OwnsHandle is a cheap guess with no I/O.
	OwnsHandle(handle string, allowInternal bool) Ownership
	// HandleToID resolves a handle to an id; may do network I/O. Returns ""
	// if the handle can't be found.
	HandleToID(ctx context.Context, handle string) (string, error)

	// Fetch populates obj from the network. Returns false if the fetch
	// didn't fail but didn't produce valid data for this protocol either.
	Fetch(ctx context.Context, obj *store.Object) (bool, error)
	// Send delivers obj to a single endpoint. Returns false if the protocol
	// refuses to carry the activity; transport failures are errors.
	Send(ctx context.Context, obj *store.Object, uri string, fromUser *store.User, origObj *store.Object) (bool, error)
	// Convert renders obj in this protocol's wire form.
	Convert(ctx context.Context, obj *store.Object, fromUser *store.User) (any, error)
	// TargetFor returns the delivery endpoint for an object or actor.
	// shared may return a shared-inbox-equivalent. Returns "" if none.
	TargetFor(ctx context.Context, obj *store.Object, shared bool) (string, error)
	// BridgedWebURLFor returns the user-facing profile URL for a bridged
	// user in this protocol, or "".
	BridgedWebURLFor(user *store.User) string
}

// Registry holds the registered protocol plugins, looked up by label or
// abbreviation.
type Registry struct {
	byLabel  map[string]Protocol
	byAbbrev map[string]Protocol
	sorted   []Protocol
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byLabel:  map[string]Protocol{},
		byAbbrev: map[string]Protocol{},
	}
}

// Register adds p, replacing any previous plugin with the same label.
func (r *Registry) Register(p Protocol) {
	info := p.Info()
	if info.Label == "" {
		panic("protocol has no label")
	}
	r.byLabel[info.Label] = p
	if info.Abbrev != "" {
		r.byAbbrev[info.Abbrev] = p
	}
	// keep sorted iteration order deterministic
	r.sorted = nil
	for _, q := range r.byLabel {
		r.sorted = append(r.sorted, q)
	}
	for i := 1; i < len(r.sorted); i++ {
		for j := i; j > 0 && r.sorted[j].Info().Label < r.sorted[j-1].Info().Label; j-- {
			r.sorted[j], r.sorted[j-1] = r.sorted[j-1], r.sorted[j]
		}
	}
}

// ByLabel returns the plugin with the given label or abbreviation, or nil.
func (r *Registry) ByLabel(label string) Protocol {
	if p, ok := r.byLabel[label]; ok {
		return p
	}
	return r.byAbbrev[label]
}

// Sorted returns all plugins in deterministic label order.
func (r *Registry) Sorted() []Protocol {
	return r.sorted
}

// Error is a caller-visible pipeline status: validation failures, auth
// failures, and idempotent no-ops. The server renders it as a JSON
// {"error": msg} body with the given status code.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Msg)
}

// Errf builds an Error.
func Errf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NoOp builds a 204 no-op Error.
func NoOp(format string, args ...any) *Error {
	return Errf(http.StatusNoContent, format, args...)
}

// IsNoOp reports whether err is an idempotent no-op status.
func IsNoOp(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == http.StatusNoContent
}

// StatusCode returns the HTTP status carried by err, or 500.
func StatusCode(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return http.StatusInternalServerError
}

// ErrGateway means a remote returned a definitive failure during protocol
// discovery; further candidates are not tried. Plugins wrap transport-level
// proxy errors with it.
var ErrGateway = errors.New("gateway error from remote")
