package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/squadup/partyhub/internal/party/domain"
)

func testParty() domain.Party {
	created := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	return domain.Party{
		ID:           "party-1",
		OwnerID:      "owner-1",
		Status:       domain.StatusOpen,
		Participants: []string{"owner-1", "user-2"},
		MaxPlayers:   4,
		JoinRequests: []string{"user-3"},
		Requirements: domain.Requirements{
			InviteOnly: true,
			Attributes: map[string]string{"region": "na-east"},
		},
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
	}
}

func TestNewCarriesSnapshot(t *testing.T) {
	at := time.Date(2026, time.March, 14, 10, 5, 0, 0, time.UTC)
	evt := New(TypePartyJoined, testParty(), at)

	if evt.Type != TypePartyJoined {
		t.Fatalf("unexpected type %s", evt.Type)
	}
	if evt.Party == nil {
		t.Fatal("expected snapshot")
	}
	if evt.Party.Status != "OPEN" {
		t.Fatalf("unexpected status %q", evt.Party.Status)
	}
	if len(evt.Party.Participants) != 2 {
		t.Fatalf("unexpected participants %v", evt.Party.Participants)
	}
	if !evt.Party.InviteOnly {
		t.Fatal("expected invite_only snapshot flag")
	}
	if evt.Timestamp != "2026-03-14T10:05:00Z" {
		t.Fatalf("unexpected timestamp %q", evt.Timestamp)
	}
}

func TestSnapshotIsDetachedFromParty(t *testing.T) {
	party := testParty()
	snapshot := SnapshotOf(party)

	party.Participants[0] = "mutated"
	party.Requirements.Attributes["region"] = "mutated"

	if snapshot.Participants[0] != "owner-1" {
		t.Fatal("expected participant copy to be detached")
	}
	if snapshot.Attributes["region"] != "na-east" {
		t.Fatal("expected attribute copy to be detached")
	}
}

func TestNewDeletedHasNullParty(t *testing.T) {
	evt := NewDeleted(time.Date(2026, time.March, 14, 10, 5, 0, 0, time.UTC))

	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if string(decoded["party"]) != "null" {
		t.Fatalf("expected null party, got %s", decoded["party"])
	}
	if string(decoded["event_type"]) != `"PARTY_DELETED"` {
		t.Fatalf("unexpected event_type %s", decoded["event_type"])
	}
}

func TestTopics(t *testing.T) {
	if got := PartyTopic("party-1"); got != "party/party-1" {
		t.Fatalf("unexpected party topic %q", got)
	}
	if got := UserTopic("user-2"); got != "user/user-2/notifications" {
		t.Fatalf("unexpected user topic %q", got)
	}
	if ListingTopic != "party/listing" {
		t.Fatalf("unexpected listing topic %q", ListingTopic)
	}
}
