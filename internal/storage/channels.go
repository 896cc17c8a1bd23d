package storage

// Change-feed channel names. Every write publishes to the channels of the
// documents and queries it affects.

const PendingRequestsChannel = "query:requests:pending"

func ProfileChannel(accountID string) string  { return "doc:profiles:" + accountID }
func ChatChannel(chatID string) string        { return "doc:chats:" + chatID }
func MessagesChannel(chatID string) string    { return "query:chats:" + chatID + ":messages" }
func RequestChannel(userID string) string     { return "doc:requests:" + userID }
func PresenceChannel(accountID string) string { return "presence:" + accountID }
func presenceKey(accountID string) string     { return "status:" + accountID }
