// Package family loads and validates the household configuration: the
// member roster, the v2 control plane (profiles, tiers, lane/model/safety
// policies) and the optional onboarding contract. The normalized Family
// value is immutable once loaded; the policy engine consumes it as-is.
package family

// Role is a member's household role.
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// AgeGroup refines a child member's age bracket.
type AgeGroup string

const (
	AgeGroupChild      AgeGroup = "child"
	AgeGroupTeen       AgeGroup = "teen"
	AgeGroupYoungAdult AgeGroup = "young_adult"
)

// ScopeType classifies a conversation scope.
type ScopeType string

const (
	ScopeDM           ScopeType = "dm"
	ScopeParentsGroup ScopeType = "parents_group"
	ScopeFamilyGroup  ScopeType = "family_group"
)

// RiskLevel grades a safety policy.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Family is the normalized household configuration. Both schema versions
// parse into this one shape; v1 configs carry a nil ControlPlane.
type Family struct {
	SchemaVersion int           `json:"schemaVersion" yaml:"schemaVersion"`
	FamilyID      string        `json:"familyId" yaml:"familyId"`
	Members       []Member      `json:"members" yaml:"members"`
	ParentsGroup  *ParentsGroup `json:"parentsGroup,omitempty" yaml:"parentsGroup,omitempty"`
	ControlPlane  *ControlPlane `json:"controlPlane,omitempty" yaml:"controlPlane,omitempty"`
	Onboarding    *Contract     `json:"onboarding,omitempty" yaml:"onboarding,omitempty"`
}

// Member is one configured person in the household.
type Member struct {
	MemberID           string   `json:"memberId" yaml:"memberId"`
	Role               Role     `json:"role" yaml:"role"`
	AgeGroup           AgeGroup `json:"ageGroup,omitempty" yaml:"ageGroup,omitempty"`
	ProfileID          string   `json:"profileId,omitempty" yaml:"profileId,omitempty"`
	ParentalVisibility *bool    `json:"parentalVisibility,omitempty" yaml:"parentalVisibility,omitempty"`
	TelegramUserIDs    []int64  `json:"telegramUserIds" yaml:"telegramUserIds"`
}

// ParentsGroup names the parents-only group chat.
type ParentsGroup struct {
	TelegramChatID int64 `json:"telegramChatId" yaml:"telegramChatId"`
}

// ControlPlane is the v2 policy catalog.
type ControlPlane struct {
	PolicyVersion      string                      `json:"policyVersion" yaml:"policyVersion"`
	ActiveProfileID    string                      `json:"activeProfileId,omitempty" yaml:"activeProfileId,omitempty"`
	Profiles           map[string]Profile          `json:"profiles" yaml:"profiles"`
	Scopes             []Scope                     `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	CapabilityTiers    map[string]CapabilityTier   `json:"capabilityTiers" yaml:"capabilityTiers"`
	MemoryLanePolicies map[string]MemoryLanePolicy `json:"memoryLanePolicies" yaml:"memoryLanePolicies"`
	ModelPolicies      map[string]ModelPolicy      `json:"modelPolicies" yaml:"modelPolicies"`
	SafetyPolicies     map[string]SafetyPolicy     `json:"safetyPolicies" yaml:"safetyPolicies"`
	Operations         *Operations                 `json:"operations,omitempty" yaml:"operations,omitempty"`
}

// Profile binds a member role to its policy references.
type Profile struct {
	Role               Role   `json:"role" yaml:"role"`
	CapabilityTierID   string `json:"capabilityTierId" yaml:"capabilityTierId"`
	MemoryLanePolicyID string `json:"memoryLanePolicyId" yaml:"memoryLanePolicyId"`
	ModelPolicyID      string `json:"modelPolicyId" yaml:"modelPolicyId"`
	SafetyPolicyID     string `json:"safetyPolicyId" yaml:"safetyPolicyId"`
}

// Scope declares a known conversation scope and, for groups, its chat id.
type Scope struct {
	ScopeType      ScopeType `json:"scopeType" yaml:"scopeType"`
	TelegramChatID int64     `json:"telegramChatId,omitempty" yaml:"telegramChatId,omitempty"`
}

// CapabilityTier is a named set of capabilities.
type CapabilityTier struct {
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

// MemoryLanePolicy lists the read/write lanes a profile may touch.
// Lane entries may carry the template token {memberId}, expanded at
// decision time to the speaker's member id.
type MemoryLanePolicy struct {
	ReadLanes  []string `json:"readLanes" yaml:"readLanes"`
	WriteLanes []string `json:"writeLanes" yaml:"writeLanes"`
}

// ModelPolicy selects the model plan for a profile.
type ModelPolicy struct {
	Tier   string `json:"tier" yaml:"tier"`
	Model  string `json:"model" yaml:"model"`
	Reason string `json:"reason" yaml:"reason"`
}

// SafetyPolicy selects the safety plan for a profile.
type SafetyPolicy struct {
	RiskLevel          RiskLevel `json:"riskLevel" yaml:"riskLevel"`
	EscalationPolicyID string    `json:"escalationPolicyId" yaml:"escalationPolicyId"`
}

// Operations configures operational managers and lane retention.
type Operations struct {
	ManagerMemberIDs []string       `json:"managerMemberIds,omitempty" yaml:"managerMemberIds,omitempty"`
	LaneRetention    *LaneRetention `json:"laneRetention,omitempty" yaml:"laneRetention,omitempty"`
}

// LaneRetention sets lane retention windows in days.
type LaneRetention struct {
	DefaultDays int            `json:"defaultDays" yaml:"defaultDays"`
	ByLaneID    map[string]int `json:"byLaneId,omitempty" yaml:"byLaneId,omitempty"`
}

// MemberByTelegramID returns the member owning a telegram user id, or nil.
func (f *Family) MemberByTelegramID(id int64) *Member {
	for i := range f.Members {
		for _, tid := range f.Members[i].TelegramUserIDs {
			if tid == id {
				return &f.Members[i]
			}
		}
	}
	return nil
}

// MemberByID returns the member with the given member id, or nil.
func (f *Family) MemberByID(memberID string) *Member {
	for i := range f.Members {
		if f.Members[i].MemberID == memberID {
			return &f.Members[i]
		}
	}
	return nil
}

// MemberRoles returns a memberId -> role map (used by the retention
// scheduler's policy preset classifier).
func (f *Family) MemberRoles() map[string]Role {
	roles := make(map[string]Role, len(f.Members))
	for _, m := range f.Members {
		roles[m.MemberID] = m.Role
	}
	return roles
}

// IsManager reports whether memberID is a configured operational manager:
// a parent listed in controlPlane.operations.managerMemberIds.
func (f *Family) IsManager(memberID string) bool {
	if f.ControlPlane == nil || f.ControlPlane.Operations == nil {
		return false
	}
	m := f.MemberByID(memberID)
	if m == nil || m.Role != RoleParent {
		return false
	}
	for _, id := range f.ControlPlane.Operations.ManagerMemberIDs {
		if id == memberID {
			return true
		}
	}
	return false
}

// FamilyGroupChatID returns the configured family group chat id from the
// v2 scope catalog, or 0 when none is declared.
func (f *Family) FamilyGroupChatID() int64 {
	if f.ControlPlane == nil {
		return 0
	}
	for _, s := range f.ControlPlane.Scopes {
		if s.ScopeType == ScopeFamilyGroup && s.TelegramChatID != 0 {
			return s.TelegramChatID
		}
	}
	return 0
}
