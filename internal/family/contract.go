package family

import (
	"fmt"

	"github.com/google/uuid"
)

// InviteState is the lifecycle state of an onboarding invite.
type InviteState string

const (
	InviteIssued   InviteState = "issued"
	InviteAccepted InviteState = "accepted"
	InviteExpired  InviteState = "expired"
	InviteRevoked  InviteState = "revoked"
)

// Fixed scope terminology literals. Validation rejects anything else so
// user-facing copy stays consistent across the household surface.
const (
	TermMemberDM     = "member DM"
	TermParentsGroup = "parents group"
	TermFamilyGroup  = "family group"
)

// Contract is the onboarding record persisted alongside the family config.
// It is created once by Bootstrap and mutated only through the onboarding
// operations below; it is never destroyed.
type Contract struct {
	Household        Household        `json:"household" yaml:"household"`
	MemberLinks      []MemberLink     `json:"memberLinks" yaml:"memberLinks"`
	Invites          []Invite         `json:"invites,omitempty" yaml:"invites,omitempty"`
	Relinks          []Relink         `json:"relinks,omitempty" yaml:"relinks,omitempty"`
	ScopeTerminology ScopeTerminology `json:"scopeTerminology" yaml:"scopeTerminology"`
}

// Household identifies the onboarded household.
type Household struct {
	HouseholdID   string `json:"householdId" yaml:"householdId"`
	DisplayName   string `json:"displayName" yaml:"displayName"`
	OwnerMemberID string `json:"ownerMemberId" yaml:"ownerMemberId"`
	CreatedAt     int64  `json:"createdAt" yaml:"createdAt"`
}

// MemberLink binds a member id to a telegram account.
type MemberLink struct {
	MemberID       string `json:"memberId" yaml:"memberId"`
	TelegramUserID int64  `json:"telegramUserId" yaml:"telegramUserId"`
	LinkedAt       int64  `json:"linkedAt" yaml:"linkedAt"`
}

// Invite is a single onboarding invite with state-dependent metadata.
type Invite struct {
	InviteID string      `json:"inviteId" yaml:"inviteId"`
	MemberID string      `json:"memberId" yaml:"memberId"`
	State    InviteState `json:"state" yaml:"state"`
	IssuedAt int64       `json:"issuedAt" yaml:"issuedAt"`
	// ExpiresAt is the hard deadline; accepted invites must have been
	// accepted at or before it.
	ExpiresAt int64 `json:"expiresAt" yaml:"expiresAt"`

	AcceptedAt             int64  `json:"acceptedAt,omitempty" yaml:"acceptedAt,omitempty"`
	AcceptedByMemberID     string `json:"acceptedByMemberId,omitempty" yaml:"acceptedByMemberId,omitempty"`
	AcceptedTelegramUserID int64  `json:"acceptedTelegramUserId,omitempty" yaml:"acceptedTelegramUserId,omitempty"`

	RevokedAt         int64  `json:"revokedAt,omitempty" yaml:"revokedAt,omitempty"`
	RevokedByMemberID string `json:"revokedByMemberId,omitempty" yaml:"revokedByMemberId,omitempty"`

	ExpiredAt int64 `json:"expiredAt,omitempty" yaml:"expiredAt,omitempty"`
}

// Relink records a member moving to a new telegram account.
type Relink struct {
	MemberID               string `json:"memberId" yaml:"memberId"`
	PreviousTelegramUserID int64  `json:"previousTelegramUserId" yaml:"previousTelegramUserId"`
	NextTelegramUserID     int64  `json:"nextTelegramUserId" yaml:"nextTelegramUserId"`
	RelinkedAt             int64  `json:"relinkedAt" yaml:"relinkedAt"`
}

// ScopeTerminology carries the fixed display names per scope type.
type ScopeTerminology struct {
	MemberDM     string `json:"memberDm" yaml:"memberDm"`
	ParentsGroup string `json:"parentsGroup" yaml:"parentsGroup"`
	FamilyGroup  string `json:"familyGroup" yaml:"familyGroup"`
}

// DefaultScopeTerminology returns the only terminology validation accepts.
func DefaultScopeTerminology() ScopeTerminology {
	return ScopeTerminology{
		MemberDM:     TermMemberDM,
		ParentsGroup: TermParentsGroup,
		FamilyGroup:  TermFamilyGroup,
	}
}

// Bootstrap creates the onboarding contract for a family. Idempotent: when
// a contract already exists it is returned unchanged, regardless of the
// arguments. The owner must be a configured parent, and is linked to their
// first telegram id so the contract always carries at least one link.
func Bootstrap(f *Family, householdID, displayName, ownerMemberID string, nowMs int64) (*Contract, error) {
	if f.Onboarding != nil {
		return f.Onboarding, nil
	}

	owner := f.MemberByID(ownerMemberID)
	if owner == nil {
		return nil, fmt.Errorf("bootstrap: owner member %q not found", ownerMemberID)
	}
	if owner.Role != RoleParent {
		return nil, fmt.Errorf("bootstrap: owner member %q is not a parent", ownerMemberID)
	}
	if len(owner.TelegramUserIDs) == 0 {
		return nil, fmt.Errorf("bootstrap: owner member %q has no telegram ids", ownerMemberID)
	}

	c := &Contract{
		Household: Household{
			HouseholdID:   householdID,
			DisplayName:   displayName,
			OwnerMemberID: ownerMemberID,
			CreatedAt:     nowMs,
		},
		MemberLinks: []MemberLink{{
			MemberID:       ownerMemberID,
			TelegramUserID: owner.TelegramUserIDs[0],
			LinkedAt:       nowMs,
		}},
		ScopeTerminology: DefaultScopeTerminology(),
	}
	f.Onboarding = c
	return c, nil
}

// IssueInvite adds a new issued invite for memberID that expires at
// expiresAtMs. The invite id is a fresh UUID.
func IssueInvite(f *Family, memberID string, nowMs, expiresAtMs int64) (*Invite, error) {
	if f.Onboarding == nil {
		return nil, fmt.Errorf("issue invite: household not bootstrapped")
	}
	if f.MemberByID(memberID) == nil {
		return nil, fmt.Errorf("issue invite: member %q not found", memberID)
	}
	if expiresAtMs <= nowMs {
		return nil, fmt.Errorf("issue invite: expiry %d is not in the future", expiresAtMs)
	}

	inv := Invite{
		InviteID:  uuid.NewString(),
		MemberID:  memberID,
		State:     InviteIssued,
		IssuedAt:  nowMs,
		ExpiresAt: expiresAtMs,
	}
	f.Onboarding.Invites = append(f.Onboarding.Invites, inv)
	return &f.Onboarding.Invites[len(f.Onboarding.Invites)-1], nil
}

// AcceptInvite transitions an issued invite to accepted and records the
// resulting member link. An invite past its expiry is marked expired
// instead and the accept fails.
func AcceptInvite(f *Family, inviteID, byMemberID string, telegramUserID, nowMs int64) (*Invite, error) {
	inv, err := findInvite(f, inviteID)
	if err != nil {
		return nil, err
	}
	if inv.State != InviteIssued {
		return nil, fmt.Errorf("accept invite %s: state is %s, want issued", inviteID, inv.State)
	}
	if nowMs > inv.ExpiresAt {
		inv.State = InviteExpired
		inv.ExpiredAt = nowMs
		return nil, fmt.Errorf("accept invite %s: expired at %d", inviteID, inv.ExpiresAt)
	}
	if f.MemberByID(byMemberID) == nil {
		return nil, fmt.Errorf("accept invite %s: member %q not found", inviteID, byMemberID)
	}

	inv.State = InviteAccepted
	inv.AcceptedAt = nowMs
	inv.AcceptedByMemberID = byMemberID
	inv.AcceptedTelegramUserID = telegramUserID

	f.Onboarding.MemberLinks = append(f.Onboarding.MemberLinks, MemberLink{
		MemberID:       inv.MemberID,
		TelegramUserID: telegramUserID,
		LinkedAt:       nowMs,
	})
	return inv, nil
}

// RevokeInvite transitions an issued invite to revoked.
func RevokeInvite(f *Family, inviteID, byMemberID string, nowMs int64) (*Invite, error) {
	inv, err := findInvite(f, inviteID)
	if err != nil {
		return nil, err
	}
	if inv.State != InviteIssued {
		return nil, fmt.Errorf("revoke invite %s: state is %s, want issued", inviteID, inv.State)
	}
	if f.MemberByID(byMemberID) == nil {
		return nil, fmt.Errorf("revoke invite %s: member %q not found", inviteID, byMemberID)
	}

	inv.State = InviteRevoked
	inv.RevokedAt = nowMs
	inv.RevokedByMemberID = byMemberID
	return inv, nil
}

// DoRelink records a member moving from one telegram account to another
// and updates their member link.
func DoRelink(f *Family, memberID string, previousID, nextID, nowMs int64) (*Relink, error) {
	if f.Onboarding == nil {
		return nil, fmt.Errorf("relink: household not bootstrapped")
	}
	if f.MemberByID(memberID) == nil {
		return nil, fmt.Errorf("relink: member %q not found", memberID)
	}
	if previousID == nextID {
		return nil, fmt.Errorf("relink: previous and next telegram ids are both %d", previousID)
	}

	r := Relink{
		MemberID:               memberID,
		PreviousTelegramUserID: previousID,
		NextTelegramUserID:     nextID,
		RelinkedAt:             nowMs,
	}
	f.Onboarding.Relinks = append(f.Onboarding.Relinks, r)

	for i := range f.Onboarding.MemberLinks {
		link := &f.Onboarding.MemberLinks[i]
		if link.MemberID == memberID && link.TelegramUserID == previousID {
			link.TelegramUserID = nextID
			link.LinkedAt = nowMs
		}
	}
	return &f.Onboarding.Relinks[len(f.Onboarding.Relinks)-1], nil
}

func findInvite(f *Family, inviteID string) (*Invite, error) {
	if f.Onboarding == nil {
		return nil, fmt.Errorf("invite %s: household not bootstrapped", inviteID)
	}
	for i := range f.Onboarding.Invites {
		if f.Onboarding.Invites[i].InviteID == inviteID {
			return &f.Onboarding.Invites[i], nil
		}
	}
	return nil, fmt.Errorf("invite %s: not found", inviteID)
}
