package store

import (
	"encoding/json"
	"time"

	"github.com/brigfed/brig/internal/as1"
)

// Target is a delivery endpoint in a specific protocol. Equality is
// field-wise, so Targets can be compared and kept in sets.
type Target struct {
	Protocol string `json:"protocol"`
	URI      string `json:"uri"`
}

// UserKey identifies a User: the protocol label plus the protocol-native
// canonical id.
type UserKey struct {
	Protocol string `json:"protocol"`
	ID       string `json:"id"`
}

// IsZero reports whether k is the zero key.
func (k UserKey) IsZero() bool {
	return k.Protocol == "" && k.ID == ""
}

// Object statuses.
const (
	StatusNew        = "new"
	StatusInProgress = "in progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
	StatusIgnored    = "ignored"
)

// Follower statuses.
const (
	FollowerActive   = "active"
	FollowerInactive = "inactive"
)

// Object is the persisted form of an activity or thing.
//
// The three delivery lists are pairwise disjoint. When Status is complete,
// Undelivered is empty and Delivered is not; when failed, only Failed is
// non-empty; when ignored, all three are empty.
type Object struct {
	ID             string
	SourceProtocol string

	// AS1 is the canonical representation.
	AS1 as1.Object
	// Raw holds protocol-native representations, opaque, keyed by protocol
	// label.
	Raw map[string]json.RawMessage

	Users  []UserKey
	Notify []UserKey
	Feed   []UserKey
	Copies []Target

	Status      string
	Undelivered []Target
	Delivered   []Target
	Failed      []Target

	Deleted bool
	Updated time.Time
	Version int64

	// New and Changed are transient, set by the loader and GetOrCreateObject:
	// nil means unknown.
	New     *bool
	Changed *bool
}

// IsNew reports the transient New flag, defaulting to false when unknown.
func (o *Object) IsNew() bool { return o.New != nil && *o.New }

// IsChanged reports the transient Changed flag, defaulting to false when
// unknown.
func (o *Object) IsChanged() bool { return o.Changed != nil && *o.Changed }

// Owner returns the id of the object's actor or author, per its canonical
// representation.
func (o *Object) Owner() string {
	return as1.Owner(o.AS1)
}

// HasTarget reports whether t is in the given list.
func HasTarget(list []Target, t Target) bool {
	for _, e := range list {
		if e == t {
			return true
		}
	}
	return false
}

// AddTarget appends t to list if absent, treating the list as a set.
func AddTarget(list []Target, t Target) []Target {
	if HasTarget(list, t) {
		return list
	}
	return append(list, t)
}

// RemoveTarget removes t from list if present.
func RemoveTarget(list []Target, t Target) []Target {
	out := list[:0]
	for _, e := range list {
		if e != t {
			out = append(out, e)
		}
	}
	return out
}

// HasKey reports whether k is in the given list.
func HasKey(list []UserKey, k UserKey) bool {
	for _, e := range list {
		if e == k {
			return true
		}
	}
	return false
}

// AddKey appends k to list if absent, treating the list as a set.
func AddKey(list []UserKey, k UserKey) []UserKey {
	if HasKey(list, k) {
		return list
	}
	return append(list, k)
}

// User is a principal on some protocol. Users are created on demand and
// never deleted; status "blocked" is the tombstone.
type User struct {
	Key    UserKey
	Handle string

	// Copies are this user's mirror ids in push-style protocols.
	Copies []Target
	// EnabledProtocols are labels this user has opted into bridging to.
	EnabledProtocols []string

	// Status is "" or "blocked".
	Status string
	// UseInstead points at the canonical user id in the same protocol when
	// this id turned out to be a duplicate.
	UseInstead string

	ManualOptOut bool
	Direct       bool
	Updated      time.Time
}

// Blocked reports whether the user is opted out or blocked.
func (u *User) Blocked() bool {
	return u.Status == "blocked" || u.ManualOptOut
}

// CopyFor returns this user's copy id in the given protocol, or "".
func (u *User) CopyFor(protocol string) string {
	for _, c := range u.Copies {
		if c.Protocol == protocol {
			return c.URI
		}
	}
	return ""
}

// HasEnabled reports whether the user has opted into the given protocol.
func (u *User) HasEnabled(protocol string) bool {
	for _, p := range u.EnabledProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// Follower is a directed follow edge. For any ordered (From, To) pair there
// is at most one edge; active/inactive is tracked in Status.
type Follower struct {
	From    UserKey
	To      UserKey
	Status  string
	Follow  string // id of the Follow object
	Updated time.Time
}

func marshalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func unmarshalJSON(raw string, v any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), v)
}
