package event

// Topic naming convention shared by publishers and subscribers.
//
// The transport layer owns authentication; topic names never carry secrets.

// ListingTopic receives create/delete and full-state changes for browse views.
const ListingTopic = "party/listing"

// PartyTopic returns the per-party topic for subscribers viewing that party.
func PartyTopic(partyID string) string {
	return "party/" + partyID
}

// UserTopic returns the personal notification queue for a user.
func UserTopic(userID string) string {
	return "user/" + userID + "/notifications"
}
