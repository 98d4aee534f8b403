package realm

import "context"

// DelegatedAuthorization lets role resolution be deferred to another
// configured realm, keyed by the authenticated principal.
// A no-op variant is used when unlicensed or unconfigured so the
// orchestrator's branching in Realm.Authenticate stays single-shape.
type DelegatedAuthorization interface {
	// HasDelegation reports whether role resolution should be deferred.
	HasDelegation() bool

	// Resolve looks up the user for principal via the delegated realm.
	// Errors here are infrastructure failures, not authentication
	// rejections — the caller propagates them as a Go error, not an
	// unsuccessful AuthenticationResult.
	Resolve(ctx context.Context, principal string) (*User, error)
}

type noDelegation struct{}

func (noDelegation) HasDelegation() bool { return false }

func (noDelegation) Resolve(context.Context, string) (*User, error) {
	return nil, ErrDelegationNotConfigured
}

// NoDelegation is the no-op DelegatedAuthorization.
var NoDelegation DelegatedAuthorization = noDelegation{}
