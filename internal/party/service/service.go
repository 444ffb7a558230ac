// Package service implements the party lifecycle state machine.
//
// All mutations on an existing party are serialized through a per-party lock,
// validated against the party's status and deadline, persisted, and only then
// broadcast. Events always carry the committed post-transition snapshot.
package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/squadup/partyhub/internal/party/domain"
	"github.com/squadup/partyhub/internal/party/event"
	apperrors "github.com/squadup/partyhub/internal/platform/errors"
	"github.com/squadup/partyhub/internal/platform/id"
	"github.com/squadup/partyhub/internal/storage"
)

// Publisher delivers an event to one or more topics.
type Publisher interface {
	Publish(evt event.Event, topics ...string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(event.Event, ...string) {}

// Deps carries the collaborators a Service needs.
type Deps struct {
	Parties   storage.PartyStore
	Guard     *MembershipGuard
	Roles     RoleProvider
	Publisher Publisher

	// Now and IDGenerator are injectable for tests.
	Now         func() time.Time
	IDGenerator func() (string, error)

	// LockTimeout bounds waits on contended parties before returning BUSY.
	LockTimeout time.Duration
}

// Service orchestrates party lifecycle transitions.
type Service struct {
	parties   storage.PartyStore
	guard     *MembershipGuard
	roles     RoleProvider
	publisher Publisher

	now         func() time.Time
	idGenerator func() (string, error)
	locks       *keyedLocks
	tracer      trace.Tracer
}

// New constructs a Service, filling unset optional dependencies with defaults.
func New(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = id.NewID
	}
	if deps.Roles == nil {
		deps.Roles = NoElevatedRoles()
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	return &Service{
		parties:     deps.Parties,
		guard:       deps.Guard,
		roles:       deps.Roles,
		publisher:   deps.Publisher,
		now:         deps.Now,
		idGenerator: deps.IDGenerator,
		locks:       newKeyedLocks(deps.LockTimeout),
		tracer:      otel.Tracer("partyhub/party/service"),
	}
}

// publication pairs an event with the topics it fans out to. Mutations build
// publications while holding the party lock and publish after releasing it.
type publication struct {
	evt    event.Event
	topics []string
}

func (s *Service) publish(publications []publication) {
	for _, p := range publications {
		s.publisher.Publish(p.evt, p.topics...)
	}
}

// Create makes a new party owned by input.OwnerID and claims the owner's
// active-party slot.
func (s *Service) Create(ctx context.Context, input domain.CreatePartyInput) (domain.Party, error) {
	ctx, span := s.tracer.Start(ctx, "party.create")
	defer span.End()

	party, err := domain.CreateParty(input, s.now, s.idGenerator)
	if err != nil {
		return domain.Party{}, err
	}
	span.SetAttributes(attribute.String("party.id", party.ID))

	if err := s.guard.Reserve(ctx, party.OwnerID, party.ID, party.CreatedAt); err != nil {
		return domain.Party{}, err
	}
	if err := s.parties.PutParty(ctx, party); err != nil {
		// The claim must not outlive the failed write.
		_ = s.guard.Release(ctx, party.OwnerID)
		return domain.Party{}, err
	}

	s.publish([]publication{{
		evt:    event.New(event.TypePartyCreated, party, s.now()),
		topics: []string{event.PartyTopic(party.ID), event.ListingTopic},
	}})
	return party, nil
}

// Get returns the party by id.
func (s *Service) Get(ctx context.Context, partyID string) (domain.Party, error) {
	ctx, span := s.tracer.Start(ctx, "party.get")
	defer span.End()
	return s.loadParty(ctx, partyID)
}

// List returns a page of OPEN parties, newest first.
func (s *Service) List(ctx context.Context, pageSize int, pageToken string) (storage.PartyPage, error) {
	ctx, span := s.tracer.Start(ctx, "party.list")
	defer span.End()
	return s.parties.ListOpenParties(ctx, pageSize, pageToken)
}

// ActivePartyFor returns the non-closed party userID belongs to, if any.
func (s *Service) ActivePartyFor(ctx context.Context, userID string) (domain.Party, bool, error) {
	party, err := s.parties.FindByParticipant(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Party{}, false, nil
		}
		return domain.Party{}, false, err
	}
	return party, true, nil
}

// Join adds userID to an open party.
func (s *Service) Join(ctx context.Context, partyID, userID string) (domain.Party, error) {
	return s.mutate(ctx, "party.join", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.loadParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.checkActionable(party); err != nil {
			return domain.Party{}, nil, err
		}
		if party.Requirements.InviteOnly && !party.IsInvited(userID) {
			return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeInviteRequired, "party is invite only", map[string]string{
				"party_id": partyID,
			})
		}

		if err := s.guard.Reserve(ctx, userID, partyID, s.now()); err != nil {
			return domain.Party{}, nil, err
		}
		if err := party.AddParticipant(userID); err != nil {
			_ = s.guard.Release(ctx, userID)
			return domain.Party{}, nil, err
		}
		if err := s.parties.PutParty(ctx, party); err != nil {
			_ = s.guard.Release(ctx, userID)
			return domain.Party{}, nil, err
		}

		topics := []string{event.PartyTopic(party.ID)}
		if party.Status == domain.StatusFull {
			// Listing subscribers drop parties that stop accepting members.
			topics = append(topics, event.ListingTopic)
		}
		return party, []publication{{
			evt:    event.New(event.TypePartyJoined, party, s.now()),
			topics: topics,
		}}, nil
	})
}

// RequestJoin records a pending ask-to-join on an invite-only party.
func (s *Service) RequestJoin(ctx context.Context, partyID, userID string) (domain.Party, error) {
	return s.mutate(ctx, "party.request_join", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.loadParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.checkActionable(party); err != nil {
			return domain.Party{}, nil, err
		}
		if !party.Requirements.InviteOnly {
			return domain.Party{}, nil, apperrors.New(apperrors.CodePartyNotInviteOnly, "party accepts direct joins")
		}
		if party.IsInvited(userID) {
			return domain.Party{}, nil, apperrors.New(apperrors.CodeAlreadyInvited, "user already holds an invite, join directly")
		}
		if party.Status == domain.StatusFull {
			return domain.Party{}, nil, domain.ErrPartyFull
		}
		if activeID, held, err := s.guard.ActiveParty(ctx, userID); err != nil {
			return domain.Party{}, nil, err
		} else if held {
			return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeAlreadyInParty, "user already belongs to an active party", map[string]string{
				"user_id":         userID,
				"active_party_id": activeID,
			})
		}

		if err := party.AddJoinRequest(userID); err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.parties.PutParty(ctx, party); err != nil {
			return domain.Party{}, nil, err
		}

		return party, []publication{{
			evt:    event.New(event.TypePartyJoinRequest, party, s.now()),
			topics: []string{event.PartyTopic(party.ID), event.UserTopic(party.OwnerID)},
		}}, nil
	})
}

// AcceptRequest admits a pending requester. Only the owner or an elevated
// actor may accept.
func (s *Service) AcceptRequest(ctx context.Context, partyID, actorID, targetID string) (domain.Party, error) {
	return s.mutate(ctx, "party.accept_request", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.loadParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.checkActionable(party); err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.requireManager(ctx, actorID, party); err != nil {
			return domain.Party{}, nil, err
		}
		if !party.HasJoinRequest(targetID) {
			return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeRequestNotFound, "no pending join request", map[string]string{
				"party_id": partyID,
				"user_id":  targetID,
			})
		}

		if err := s.guard.Reserve(ctx, targetID, partyID, s.now()); err != nil {
			return domain.Party{}, nil, err
		}
		if err := party.AddParticipant(targetID); err != nil {
			_ = s.guard.Release(ctx, targetID)
			return domain.Party{}, nil, err
		}
		if err := s.parties.PutParty(ctx, party); err != nil {
			_ = s.guard.Release(ctx, targetID)
			return domain.Party{}, nil, err
		}

		topics := []string{event.PartyTopic(party.ID)}
		if party.Status == domain.StatusFull {
			topics = append(topics, event.ListingTopic)
		}
		at := s.now()
		return party, []publication{
			{evt: event.New(event.TypePartyUpdated, party, at), topics: topics},
			{evt: event.New(event.TypePartyJoinRequestAccepted, party, at), topics: []string{event.UserTopic(targetID)}},
		}, nil
	})
}

// RejectRequest drops a pending join request.
func (s *Service) RejectRequest(ctx context.Context, partyID, actorID, targetID string) (domain.Party, error) {
	return s.mutate(ctx, "party.reject_request", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.loadParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if party.Status == domain.StatusClosed {
			return domain.Party{}, nil, s.closedError(party)
		}
		if err := s.requireManager(ctx, actorID, party); err != nil {
			return domain.Party{}, nil, err
		}
		if !party.RemoveJoinRequest(targetID) {
			return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeRequestNotFound, "no pending join request", map[string]string{
				"party_id": partyID,
				"user_id":  targetID,
			})
		}
		if err := s.parties.PutParty(ctx, party); err != nil {
			return domain.Party{}, nil, err
		}

		at := s.now()
		return party, []publication{
			{evt: event.New(event.TypePartyUpdated, party, at), topics: []string{event.PartyTopic(party.ID)}},
			{evt: event.New(event.TypePartyJoinRequestRejected, party, at), topics: []string{event.UserTopic(targetID)}},
		}, nil
	})
}

// Invite pre-authorizes targetID to join an invite-only party. Only the
// owner may invite.
func (s *Service) Invite(ctx context.Context, partyID, actorID, targetID string) (domain.Party, error) {
	return s.mutate(ctx, "party.invite", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.loadParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.checkActionable(party); err != nil {
			return domain.Party{}, nil, err
		}
		if actorID != party.OwnerID {
			return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeForbidden, "only the owner may invite", map[string]string{
				"party_id": partyID,
				"actor_id": actorID,
			})
		}
		if !party.Requirements.InviteOnly {
			return domain.Party{}, nil, apperrors.New(apperrors.CodePartyNotInviteOnly, "party accepts direct joins")
		}
		if party.HasParticipant(targetID) {
			return domain.Party{}, nil, domain.ErrAlreadyParticipant
		}

		party.AddInvitedUser(targetID)
		if err := s.parties.PutParty(ctx, party); err != nil {
			return domain.Party{}, nil, err
		}

		at := s.now()
		evt := event.New(event.TypePartyUpdated, party, at)
		return party, []publication{
			{evt: evt, topics: []string{event.PartyTopic(party.ID)}},
			{evt: evt, topics: []string{event.UserTopic(targetID)}},
		}, nil
	})
}

// Leave removes userID from the party. An owner leaving a party with other
// participants is rejected; an owner leaving alone deletes the party.
func (s *Service) Leave(ctx context.Context, partyID, userID string) error {
	_, err := s.mutate(ctx, "party.leave", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.loadParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if party.Status == domain.StatusClosed {
			return domain.Party{}, nil, s.closedError(party)
		}

		if userID == party.OwnerID {
			if len(party.Participants) > 1 {
				return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeOwnerCannotLeave, "owner must delete or transfer before leaving", map[string]string{
					"party_id": partyID,
				})
			}
			publications, err := s.removeParty(ctx, party)
			return domain.Party{}, publications, err
		}

		wasFull := party.Status == domain.StatusFull
		if err := party.RemoveParticipant(userID); err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.parties.PutParty(ctx, party); err != nil {
			return domain.Party{}, nil, err
		}
		// Past this point the departure is committed; a failed release is
		// retried by the user's next create/join, not rolled back.
		if err := s.guard.Release(ctx, userID); err != nil {
			log.Printf("party %s: release reservation for %s: %v", party.ID, userID, err)
		}

		topics := []string{event.PartyTopic(party.ID)}
		if wasFull && party.Status == domain.StatusOpen {
			// The party is listable again.
			topics = append(topics, event.ListingTopic)
		}
		return party, []publication{{
			evt:    event.New(event.TypePartyLeft, party, s.now()),
			topics: topics,
		}}, nil
	})
	return err
}

// Kick removes targetID from the party. A plain owner may kick ordinary
// members; only an elevated actor may kick elevated members or the owner.
// Kicking the owner dissolves the party.
func (s *Service) Kick(ctx context.Context, partyID, actorID, targetID string) (domain.Party, error) {
	return s.mutate(ctx, "party.kick", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.loadParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if party.Status == domain.StatusClosed {
			return domain.Party{}, nil, s.closedError(party)
		}
		level, err := s.canManage(ctx, actorID, party)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if level == manageNone {
			return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeForbidden, "actor may not manage this party", map[string]string{
				"party_id": partyID,
				"actor_id": actorID,
			})
		}
		if targetID == party.OwnerID && level != manageElevated {
			return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeForbidden, "only an elevated actor may remove the party owner", map[string]string{
				"party_id": partyID,
			})
		}
		if level == manageOwner {
			targetElevated, err := s.roles.HasElevatedRole(ctx, targetID)
			if err != nil {
				return domain.Party{}, nil, err
			}
			if targetElevated {
				return domain.Party{}, nil, apperrors.WithMetadata(apperrors.CodeForbidden, "elevated members can only be removed by another elevated actor", map[string]string{
					"party_id": partyID,
				})
			}
		}

		// Ownership does not transfer; removing the owner dissolves the party.
		if targetID == party.OwnerID {
			publications, err := s.removeParty(ctx, party)
			return domain.Party{}, publications, err
		}

		wasFull := party.Status == domain.StatusFull
		if err := party.RemoveParticipant(targetID); err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.parties.PutParty(ctx, party); err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.guard.Release(ctx, targetID); err != nil {
			log.Printf("party %s: release reservation for %s: %v", party.ID, targetID, err)
		}

		topics := []string{event.PartyTopic(party.ID)}
		if wasFull && party.Status == domain.StatusOpen {
			topics = append(topics, event.ListingTopic)
		}
		at := s.now()
		evt := event.New(event.TypePartyUserKicked, party, at)
		return party, []publication{
			{evt: evt, topics: topics},
			{evt: evt, topics: []string{event.UserTopic(targetID)}},
		}, nil
	})
}

// Delete removes the party and releases every participant's reservation.
func (s *Service) Delete(ctx context.Context, partyID, actorID string) error {
	_, err := s.mutate(ctx, "party.delete", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.loadParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		if err := s.requireManager(ctx, actorID, party); err != nil {
			return domain.Party{}, nil, err
		}
		publications, err := s.removeParty(ctx, party)
		return domain.Party{}, publications, err
	})
	return err
}

// SweepExpired removes an expired party on behalf of the system. The caller
// (the expiration sweeper) owns the tracking-state claim protocol; here the
// party is removed unconditionally. Returns storage.ErrNotFound when a user
// action already removed the party.
func (s *Service) SweepExpired(ctx context.Context, partyID string) error {
	_, err := s.mutate(ctx, "party.sweep_expired", partyID, func(ctx context.Context) (domain.Party, []publication, error) {
		party, err := s.parties.GetParty(ctx, partyID)
		if err != nil {
			return domain.Party{}, nil, err
		}
		publications, err := s.removeParty(ctx, party)
		return domain.Party{}, publications, err
	})
	return err
}

// removeParty deletes the record, then releases every participant claim and
// prepares the tombstone event. Callers hold the party lock. The delete
// commits first so a failure never frees users still listed in a live party;
// a release that fails after the delete only delays that user until retried.
func (s *Service) removeParty(ctx context.Context, party domain.Party) ([]publication, error) {
	if err := s.parties.DeleteParty(ctx, party.ID); err != nil {
		return nil, err
	}
	for _, userID := range party.Participants {
		if err := s.guard.Release(ctx, userID); err != nil {
			log.Printf("party %s: release reservation for %s: %v", party.ID, userID, err)
		}
	}
	return []publication{{
		evt:    event.NewDeleted(s.now()),
		topics: []string{event.PartyTopic(party.ID), event.ListingTopic},
	}}, nil
}

// mutate runs fn under the party lock. Events publish before the lock is
// released so per-party delivery order matches commit order; hub delivery is
// non-blocking and socket writes happen in the subscriber pumps.
func (s *Service) mutate(ctx context.Context, operation, partyID string, fn func(ctx context.Context) (domain.Party, []publication, error)) (domain.Party, error) {
	ctx, span := s.tracer.Start(ctx, operation, trace.WithAttributes(attribute.String("party.id", partyID)))
	defer span.End()

	if strings.TrimSpace(partyID) == "" {
		return domain.Party{}, apperrors.New(apperrors.CodePartyEmptyID, "party id is required")
	}

	release, err := s.locks.acquire(ctx, partyID)
	if err != nil {
		span.RecordError(err)
		return domain.Party{}, err
	}
	party, publications, err := fn(ctx)
	if err != nil {
		release()
		span.RecordError(err)
		return domain.Party{}, err
	}
	s.publish(publications)
	release()

	return party, nil
}

func (s *Service) loadParty(ctx context.Context, partyID string) (domain.Party, error) {
	party, err := s.parties.GetParty(ctx, partyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Party{}, apperrors.WithMetadata(apperrors.CodePartyNotFound, "party not found", map[string]string{
				"party_id": partyID,
			})
		}
		return domain.Party{}, err
	}
	return party, nil
}

// checkActionable gates membership-growing actions on live parties only.
func (s *Service) checkActionable(party domain.Party) error {
	if party.Status == domain.StatusClosed {
		return s.closedError(party)
	}
	if party.IsExpired(s.now()) {
		return apperrors.WithMetadata(apperrors.CodePartyExpired, "party deadline has passed", map[string]string{
			"party_id": party.ID,
		})
	}
	return nil
}

// closedError maps a closed party to the error its cause deserves: expiry
// reads as EXPIRED, anything else as NOT_FOUND since the record is on its way
// out.
func (s *Service) closedError(party domain.Party) error {
	if party.IsExpired(s.now()) {
		return apperrors.WithMetadata(apperrors.CodePartyExpired, "party deadline has passed", map[string]string{
			"party_id": party.ID,
		})
	}
	return apperrors.WithMetadata(apperrors.CodePartyNotFound, "party not found", map[string]string{
		"party_id": party.ID,
	})
}
