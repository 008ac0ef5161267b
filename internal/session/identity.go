package session

import "sync"

// Identity is the signed-in user's identity context. It replaces any
// process-wide auth singleton: components receive it explicitly and it
// is set at sign-in and cleared at sign-out.
type Identity struct {
	// AccountID is the permanent account id, empty until the user has
	// completed login.
	AccountID string
	// Number is the user's phone number in E.164 form.
	Number string
}

// Complete reports whether both identifiers are known.
func (id Identity) Complete() bool {
	return id.AccountID != "" && id.Number != ""
}

// Current holds the active identity with a sign-in/sign-out lifecycle.
type Current struct {
	mu sync.RWMutex
	id *Identity
}

// NewCurrent creates an empty identity holder (signed out).
func NewCurrent() *Current {
	return &Current{}
}

// SignIn installs the identity.
func (c *Current) SignIn(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = &id
}

// SignOut clears the identity.
func (c *Current) SignOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = nil
}

// Get returns the active identity, or false when signed out.
func (c *Current) Get() (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.id == nil {
		return Identity{}, false
	}
	return *c.id, true
}
