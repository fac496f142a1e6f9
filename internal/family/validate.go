package family

import (
	"fmt"
	"strings"
)

// Issue is one validation failure, addressed by a dotted config path.
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// ValidationError aggregates every issue found in a config so operators
// can fix them in one pass.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		lines[i] = iss.String()
	}
	return fmt.Sprintf("family config invalid (%d issues): %s", len(e.Issues), strings.Join(lines, "; "))
}

// Validate checks the normalized family against the schema invariants.
// It returns a *ValidationError listing every violation, or nil.
func Validate(f *Family) error {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if f.SchemaVersion != 1 && f.SchemaVersion != 2 {
		add("schemaVersion", "must be 1 or 2, got %d", f.SchemaVersion)
	}
	if f.FamilyID == "" {
		add("familyId", "must not be empty")
	}

	validateMembers(f, add)

	switch f.SchemaVersion {
	case 1:
		if f.ControlPlane != nil {
			add("controlPlane", "not allowed in schema version 1")
		}
	case 2:
		if f.ControlPlane == nil {
			add("controlPlane", "required in schema version 2")
		} else {
			validateControlPlane(f, add)
		}
	}

	if f.Onboarding != nil {
		validateContract(f, add)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validateMembers(f *Family, add func(path, format string, args ...any)) {
	if len(f.Members) == 0 {
		add("members", "at least one member is required")
	}

	seenIDs := make(map[string]bool)
	seenTelegram := make(map[int64]string)
	for i, m := range f.Members {
		path := fmt.Sprintf("members[%d]", i)
		if m.MemberID == "" {
			add(path+".memberId", "must not be empty")
		} else if seenIDs[m.MemberID] {
			add(path+".memberId", "duplicate member id %q", m.MemberID)
		}
		seenIDs[m.MemberID] = true

		if m.Role != RoleParent && m.Role != RoleChild {
			add(path+".role", "must be parent or child, got %q", m.Role)
		}
		switch m.AgeGroup {
		case "", AgeGroupChild, AgeGroupTeen, AgeGroupYoungAdult:
		default:
			add(path+".ageGroup", "unknown age group %q", m.AgeGroup)
		}

		if len(m.TelegramUserIDs) == 0 {
			add(path+".telegramUserIds", "must not be empty")
		}
		for _, tid := range m.TelegramUserIDs {
			if owner, ok := seenTelegram[tid]; ok {
				add(path+".telegramUserIds", "telegram id %d already linked to member %q", tid, owner)
			} else {
				seenTelegram[tid] = m.MemberID
			}
		}
	}
}

func validateControlPlane(f *Family, add func(path, format string, args ...any)) {
	cp := f.ControlPlane
	if cp.PolicyVersion == "" {
		add("controlPlane.policyVersion", "must not be empty")
	}
	if len(cp.Profiles) == 0 {
		add("controlPlane.profiles", "at least one profile is required")
	}
	if cp.ActiveProfileID != "" {
		if _, ok := cp.Profiles[cp.ActiveProfileID]; !ok {
			add("controlPlane.activeProfileId", "profile %q not found", cp.ActiveProfileID)
		}
	}

	for id, p := range cp.Profiles {
		path := "controlPlane.profiles." + id
		if p.Role != RoleParent && p.Role != RoleChild {
			add(path+".role", "must be parent or child, got %q", p.Role)
		}
		if _, ok := cp.CapabilityTiers[p.CapabilityTierID]; !ok {
			add(path+".capabilityTierId", "capability tier %q not found", p.CapabilityTierID)
		}
		if _, ok := cp.MemoryLanePolicies[p.MemoryLanePolicyID]; !ok {
			add(path+".memoryLanePolicyId", "memory lane policy %q not found", p.MemoryLanePolicyID)
		}
		if _, ok := cp.ModelPolicies[p.ModelPolicyID]; !ok {
			add(path+".modelPolicyId", "model policy %q not found", p.ModelPolicyID)
		}
		if _, ok := cp.SafetyPolicies[p.SafetyPolicyID]; !ok {
			add(path+".safetyPolicyId", "safety policy %q not found", p.SafetyPolicyID)
		}
	}

	for id, sp := range cp.SafetyPolicies {
		if sp.RiskLevel != RiskLow && sp.RiskLevel != RiskMedium && sp.RiskLevel != RiskHigh {
			add("controlPlane.safetyPolicies."+id+".riskLevel", "must be low, medium or high, got %q", sp.RiskLevel)
		}
	}

	for i, s := range cp.Scopes {
		path := fmt.Sprintf("controlPlane.scopes[%d]", i)
		switch s.ScopeType {
		case ScopeDM, ScopeParentsGroup, ScopeFamilyGroup:
		default:
			add(path+".scopeType", "unknown scope type %q", s.ScopeType)
		}
	}

	// Members may only reference profiles of their own role.
	for i, m := range f.Members {
		if m.ProfileID == "" {
			continue
		}
		path := fmt.Sprintf("members[%d].profileId", i)
		p, ok := cp.Profiles[m.ProfileID]
		if !ok {
			add(path, "profile %q not found", m.ProfileID)
			continue
		}
		if p.Role != m.Role {
			add(path, "profile %q has role %s but member is %s", m.ProfileID, p.Role, m.Role)
		}
	}

	if cp.Operations != nil {
		for i, id := range cp.Operations.ManagerMemberIDs {
			path := fmt.Sprintf("controlPlane.operations.managerMemberIds[%d]", i)
			m := f.MemberByID(id)
			if m == nil {
				add(path, "member %q not found", id)
			} else if m.Role != RoleParent {
				add(path, "member %q is not a parent", id)
			}
		}
		if lr := cp.Operations.LaneRetention; lr != nil && lr.DefaultDays <= 0 {
			add("controlPlane.operations.laneRetention.defaultDays", "must be positive, got %d", lr.DefaultDays)
		}
	}
}

func validateContract(f *Family, add func(path, format string, args ...any)) {
	c := f.Onboarding

	if c.Household.HouseholdID == "" {
		add("onboarding.household.householdId", "must not be empty")
	}
	if c.Household.OwnerMemberID == "" {
		add("onboarding.household.ownerMemberId", "must not be empty")
	} else if f.MemberByID(c.Household.OwnerMemberID) == nil {
		add("onboarding.household.ownerMemberId", "member %q not found", c.Household.OwnerMemberID)
	}

	if len(c.MemberLinks) == 0 {
		add("onboarding.memberLinks", "at least one member link is required")
	}
	for i, link := range c.MemberLinks {
		if f.MemberByID(link.MemberID) == nil {
			add(fmt.Sprintf("onboarding.memberLinks[%d].memberId", i), "member %q not found", link.MemberID)
		}
	}

	for i, inv := range c.Invites {
		path := fmt.Sprintf("onboarding.invites[%d]", i)
		if inv.InviteID == "" {
			add(path+".inviteId", "must not be empty")
		}
		if f.MemberByID(inv.MemberID) == nil {
			add(path+".memberId", "member %q not found", inv.MemberID)
		}
		switch inv.State {
		case InviteIssued:
		case InviteAccepted:
			if inv.AcceptedAt == 0 {
				add(path+".acceptedAt", "required when state is accepted")
			} else if inv.AcceptedAt > inv.ExpiresAt {
				add(path+".acceptedAt", "accepted at %d after expiry %d", inv.AcceptedAt, inv.ExpiresAt)
			}
			if inv.AcceptedByMemberID == "" {
				add(path+".acceptedByMemberId", "required when state is accepted")
			}
			if inv.AcceptedTelegramUserID == 0 {
				add(path+".acceptedTelegramUserId", "required when state is accepted")
			}
		case InviteRevoked:
			if inv.RevokedAt == 0 {
				add(path+".revokedAt", "required when state is revoked")
			}
			if inv.RevokedByMemberID == "" {
				add(path+".revokedByMemberId", "required when state is revoked")
			}
		case InviteExpired:
			if inv.ExpiredAt == 0 {
				add(path+".expiredAt", "required when state is expired")
			}
		default:
			add(path+".state", "unknown invite state %q", inv.State)
		}
	}

	for i, r := range c.Relinks {
		if r.PreviousTelegramUserID == r.NextTelegramUserID {
			add(fmt.Sprintf("onboarding.relinks[%d]", i), "previous and next telegram ids are both %d", r.PreviousTelegramUserID)
		}
	}

	want := DefaultScopeTerminology()
	if c.ScopeTerminology != want {
		add("onboarding.scopeTerminology", "must be exactly {%q, %q, %q}", want.MemberDM, want.ParentsGroup, want.FamilyGroup)
	}
}
