package models

// Identity is the caller of every remote operation. Token correlates outgoing
// calls for the lifetime of the process; Username is set once authenticated.
type Identity struct {
	Token    string `json:"token"`
	Username string `json:"username,omitempty"`
}

// Authenticated reports whether a username is attached to the identity.
func (i Identity) Authenticated() bool {
	return i.Username != ""
}

// PlayerID is the key the store uses for this identity's player entry.
func (i Identity) PlayerID() string {
	if i.Username != "" {
		return i.Username
	}
	return i.Token
}
