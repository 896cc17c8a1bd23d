package chathub

// Client is one live connection of an account (e.g., a browser tab over WebSocket).
// The hub counts clients per account to drive presence.
type Client interface {
	// GetUserID returns the account the connection was authenticated as.
	GetUserID() string
	// Run starts the client's read and write pumps.
	Run()
	// Close shuts the connection down. It must be safe to call more than once.
	Close()
}
