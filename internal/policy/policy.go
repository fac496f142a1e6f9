// Package policy resolves incoming messages into decision envelopes.
//
// Resolve is a pure function: same input, same envelope, bit for bit.
// Capability and lane sets are sorted and deduplicated, and the rationale
// list is append-only in pipeline order, so envelopes can be compared,
// logged and replayed deterministically. Resolve never returns an error;
// inputs that cannot be resolved produce a deny envelope whose rationale
// says why.
package policy

import (
	"sort"
	"strconv"
	"strings"

	"github.com/halohq/halo/internal/family"
)

// Action is the envelope's final disposition.
type Action string

const (
	ActionAllow                  Action = "allow"
	ActionDeny                   Action = "deny"
	ActionRequiresParentApproval Action = "requires_parent_approval"
)

// Chat identifies the conversation a message arrived in.
type Chat struct {
	ID   int64
	Type string // "private", "group", "supergroup"
}

// Intent captures what the speaker is asking for.
type Intent struct {
	IsMentioned bool   `json:"isMentioned"`
	Command     string `json:"command,omitempty"`
}

// SafetySignal is the upstream risk classification for the message.
type SafetySignal struct {
	RiskLevel family.RiskLevel
}

// ProfilePolicy carries per-profile risk handling knobs.
type ProfilePolicy struct {
	HighRiskParentNotificationDefault   *bool
	MediumRiskParentNotificationDefault *bool
	HighRiskEscalationPolicyID          string
}

// Overrides are explicit parent-set adjustments applied after the
// baseline plan.
type Overrides struct {
	MediumRiskParentNotification *bool
	CapabilityAdditions          []string
	CapabilityRemovals           []string
	Model                        string
}

// Compatibility describes which capabilities each model supports and the
// per-tier fallback to use when the chosen model cannot cover the set.
type Compatibility struct {
	SupportedCapabilitiesByModel map[string][]string
	FallbackModelByTier          map[string]string
}

// Input is everything Resolve consults. Family is read-only.
type Input struct {
	PolicyVersion     string
	Family            *family.Family
	Chat              Chat
	FromID            int64
	Intent            Intent
	FamilyGroupChatID int64
	Safety            *SafetySignal
	ProfilePolicies   map[string]ProfilePolicy
	Overrides         *Overrides
	Compatibility     *Compatibility
}

// Speaker is the resolved message author. Known is false when no member
// owns the telegram id; the remaining fields are then empty.
type Speaker struct {
	Known     bool        `json:"known"`
	MemberID  string      `json:"memberId,omitempty"`
	Role      family.Role `json:"role,omitempty"`
	ProfileID string      `json:"profileId,omitempty"`
}

// ScopeRef names the resolved conversation scope.
type ScopeRef struct {
	ScopeID   string           `json:"scopeId"`
	ScopeType family.ScopeType `json:"scopeType"`
}

// ModelPlan selects the model the chat adapter should use.
type ModelPlan struct {
	Tier   string `json:"tier"`
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

// SafetyPlan carries the effective risk level and escalation policy.
type SafetyPlan struct {
	RiskLevel          family.RiskLevel `json:"riskLevel"`
	EscalationPolicyID string           `json:"escalationPolicyId"`
}

// Envelope is the engine's output.
type Envelope struct {
	PolicyVersion           string     `json:"policyVersion"`
	Speaker                 Speaker    `json:"speaker"`
	Scope                   ScopeRef   `json:"scope"`
	Intent                  Intent     `json:"intent"`
	Action                  Action     `json:"action"`
	AllowedCapabilities     []string   `json:"allowedCapabilities"`
	AllowedMemoryReadLanes  []string   `json:"allowedMemoryReadLanes"`
	AllowedMemoryWriteLanes []string   `json:"allowedMemoryWriteLanes"`
	ModelPlan               ModelPlan  `json:"modelPlan"`
	SafetyPlan              SafetyPlan `json:"safetyPlan"`
	Rationale               []string   `json:"rationale"`
}

// Fallback plan used when a v1 config has no control plane to consult.
const (
	defaultModelTier = "standard"
	defaultModel     = "default"
)

// Resolve runs the precedence pipeline and produces the envelope.
func Resolve(in Input) Envelope {
	env := Envelope{
		PolicyVersion:           in.PolicyVersion,
		Intent:                  in.Intent,
		AllowedCapabilities:     []string{},
		AllowedMemoryReadLanes:  []string{},
		AllowedMemoryWriteLanes: []string{},
		SafetyPlan:              SafetyPlan{RiskLevel: riskOrLow(in.Safety), EscalationPolicyID: "none"},
		Rationale:               []string{},
	}

	// 1. Scope resolution.
	env.Scope, _ = resolveScope(in)

	// 2. Member lookup.
	member := in.Family.MemberByTelegramID(in.FromID)
	if member == nil {
		return deny(env, "unknown_user")
	}
	env.Speaker = Speaker{Known: true, MemberID: member.MemberID, Role: member.Role, ProfileID: member.ProfileID}

	// 3. Unapproved group.
	if env.Scope.ScopeType == "" {
		return deny(env, "group_not_approved")
	}

	// 4. Safety hard deny. Parents are hard-denied at high risk; a
	// high-risk child falls through to the override step so a parent can
	// be pulled in instead.
	if riskOrLow(in.Safety) == family.RiskHigh && member.Role == family.RoleParent {
		return deny(env, "safety_high_risk_hard_deny")
	}

	// 5. Scope admission.
	switch env.Scope.ScopeType {
	case family.ScopeParentsGroup:
		if member.Role != family.RoleParent {
			return deny(env, "child_in_parents_group")
		}
	case family.ScopeFamilyGroup:
		if !in.Intent.IsMentioned {
			return deny(env, "mention_required_in_family_group", "family_group_mention_exceptions_none")
		}
	}

	// 6. Role/profile baseline plan.
	env = baselinePlan(in, member, env)

	// 7. Override step.
	env = applyOverrides(in, member, env)

	// 8. Compatibility fallback.
	env = applyCompatibility(in, env)

	env.AllowedCapabilities = sortedSet(env.AllowedCapabilities)
	env.AllowedMemoryReadLanes = sortedSet(env.AllowedMemoryReadLanes)
	env.AllowedMemoryWriteLanes = sortedSet(env.AllowedMemoryWriteLanes)
	return env
}

// resolveScope maps the chat to a scope. An unmatched group returns a
// zero ScopeType, which step 3 turns into group_not_approved.
func resolveScope(in Input) (ScopeRef, bool) {
	if in.Chat.Type == "private" {
		from := "unknown"
		if in.FromID != 0 {
			from = strconv.FormatInt(in.FromID, 10)
		}
		return ScopeRef{ScopeID: "telegram:dm:" + from, ScopeType: family.ScopeDM}, true
	}

	if pg := in.Family.ParentsGroup; pg != nil && pg.TelegramChatID == in.Chat.ID {
		return ScopeRef{
			ScopeID:   "telegram:parents_group:" + strconv.FormatInt(in.Chat.ID, 10),
			ScopeType: family.ScopeParentsGroup,
		}, true
	}

	fgID := in.FamilyGroupChatID
	if fgID == 0 {
		fgID = in.Family.FamilyGroupChatID()
	}
	if fgID != 0 && fgID == in.Chat.ID {
		return ScopeRef{
			ScopeID:   "telegram:family_group:" + strconv.FormatInt(in.Chat.ID, 10),
			ScopeType: family.ScopeFamilyGroup,
		}, true
	}

	return ScopeRef{ScopeID: "telegram:group:" + strconv.FormatInt(in.Chat.ID, 10)}, false
}

func baselinePlan(in Input, member *family.Member, env Envelope) Envelope {
	profile, lanePolicy, modelPolicy, safetyPolicy := lookupProfile(in.Family, member)

	model := defaultModel
	tier := defaultModelTier
	reason := "default"
	if modelPolicy != nil {
		tier, model, reason = modelPolicy.Tier, modelPolicy.Model, modelPolicy.Reason
	}

	escalation := "none"
	if member.Role == family.RoleChild {
		escalation = "minor_default"
	}
	if safetyPolicy != nil && safetyPolicy.EscalationPolicyID != "" {
		escalation = safetyPolicy.EscalationPolicyID
	}
	env.SafetyPlan = SafetyPlan{RiskLevel: riskOrLow(in.Safety), EscalationPolicyID: escalation}

	switch env.Scope.ScopeType {
	case family.ScopeParentsGroup:
		env.AllowedCapabilities = []string{"chat.respond.group_safe"}
		env.AllowedMemoryReadLanes = []string{"parents_shared"}
		env.AllowedMemoryWriteLanes = []string{"parents_shared"}
		env.ModelPlan = ModelPlan{Tier: "parent_group_safe", Model: model, Reason: reason}
		env.Rationale = append(env.Rationale, "parents_group_baseline")

	case family.ScopeFamilyGroup:
		env.AllowedCapabilities = []string{"chat.respond.group_safe"}
		env.AllowedMemoryReadLanes = []string{"family_shared"}
		env.AllowedMemoryWriteLanes = []string{"family_shared"}
		env.ModelPlan = ModelPlan{Tier: "group_safe", Model: model, Reason: reason}
		env.Rationale = append(env.Rationale, "family_group_baseline")

	default: // dm
		env.AllowedCapabilities = []string{"chat.respond"}
		if profile != nil {
			if cp := in.Family.ControlPlane; cp != nil {
				if tierCat, ok := cp.CapabilityTiers[profile.CapabilityTierID]; ok && len(tierCat.Capabilities) > 0 {
					env.AllowedCapabilities = append([]string{}, tierCat.Capabilities...)
				}
			}
		}
		if lanePolicy != nil {
			env.AllowedMemoryReadLanes = expandLanes(lanePolicy.ReadLanes, member.MemberID)
			env.AllowedMemoryWriteLanes = expandLanes(lanePolicy.WriteLanes, member.MemberID)
		} else {
			lane := "member:" + member.MemberID
			env.AllowedMemoryReadLanes = []string{lane}
			env.AllowedMemoryWriteLanes = []string{lane}
		}
		env.ModelPlan = ModelPlan{Tier: tier, Model: model, Reason: reason}
		env.Rationale = append(env.Rationale, "dm_baseline")
	}

	env.Action = ActionAllow
	return env
}

func applyOverrides(in Input, member *family.Member, env Envelope) Envelope {
	risk := riskOrLow(in.Safety)

	if member.Role == family.RoleChild && risk == family.RiskHigh {
		pp, havePP := in.ProfilePolicies[member.ProfileID]
		notify := true // child default
		source := "default"
		if havePP && pp.HighRiskParentNotificationDefault != nil {
			notify = *pp.HighRiskParentNotificationDefault
			source = "profile_default"
		}
		if notify {
			env.Action = ActionRequiresParentApproval
			env.Rationale = append(env.Rationale, "high_risk_parent_notification_"+source)
		} else {
			env.Action = ActionDeny
			env.Rationale = append(env.Rationale, "high_risk_denied_"+source)
		}
		if havePP && pp.HighRiskEscalationPolicyID != "" {
			env.SafetyPlan.EscalationPolicyID = pp.HighRiskEscalationPolicyID
			env.Rationale = append(env.Rationale, "high_risk_escalation_policy_override")
		}
	}

	if member.Role == family.RoleChild && risk == family.RiskMedium {
		pp, havePP := in.ProfilePolicies[member.ProfileID]
		notify := true // child default
		source := "default"
		if havePP && pp.MediumRiskParentNotificationDefault != nil {
			notify = *pp.MediumRiskParentNotificationDefault
			source = "profile_default"
		}
		if in.Overrides != nil && in.Overrides.MediumRiskParentNotification != nil {
			notify = *in.Overrides.MediumRiskParentNotification
			source = "override"
		}
		if notify {
			env.Action = ActionRequiresParentApproval
			env.Rationale = append(env.Rationale, "medium_risk_parent_notification_"+source)
		}
	}

	if in.Overrides != nil {
		changed := false
		caps := append([]string{}, env.AllowedCapabilities...)
		for _, add := range in.Overrides.CapabilityAdditions {
			if !contains(caps, add) {
				caps = append(caps, add)
				changed = true
			}
		}
		if len(in.Overrides.CapabilityRemovals) > 0 {
			kept := caps[:0]
			for _, c := range caps {
				if contains(in.Overrides.CapabilityRemovals, c) {
					changed = true
					continue
				}
				kept = append(kept, c)
			}
			caps = kept
		}
		if in.Overrides.Model != "" && in.Overrides.Model != env.ModelPlan.Model {
			env.ModelPlan.Model = in.Overrides.Model
			changed = true
		}
		if changed {
			env.AllowedCapabilities = sortedSet(caps)
			env.Rationale = append(env.Rationale, "parent_overrides_applied")
		}
	}

	return env
}

// applyCompatibility swaps in the tier's fallback model when the chosen
// model does not support the capability set and the fallback does.
func applyCompatibility(in Input, env Envelope) Envelope {
	comp := in.Compatibility
	if comp == nil {
		return env
	}
	supported, ok := comp.SupportedCapabilitiesByModel[env.ModelPlan.Model]
	if !ok || subset(env.AllowedCapabilities, supported) {
		return env
	}
	fallback, ok := comp.FallbackModelByTier[env.ModelPlan.Tier]
	if !ok {
		return env
	}
	if subset(env.AllowedCapabilities, comp.SupportedCapabilitiesByModel[fallback]) {
		env.ModelPlan.Model = fallback
		env.Rationale = append(env.Rationale, "compatibility_fallback_model")
	}
	return env
}

func lookupProfile(f *family.Family, m *family.Member) (*family.Profile, *family.MemoryLanePolicy, *family.ModelPolicy, *family.SafetyPolicy) {
	if f.ControlPlane == nil || m.ProfileID == "" {
		return nil, nil, nil, nil
	}
	p, ok := f.ControlPlane.Profiles[m.ProfileID]
	if !ok {
		return nil, nil, nil, nil
	}

	var lane *family.MemoryLanePolicy
	if lp, ok := f.ControlPlane.MemoryLanePolicies[p.MemoryLanePolicyID]; ok {
		lane = &lp
	}
	var model *family.ModelPolicy
	if mp, ok := f.ControlPlane.ModelPolicies[p.ModelPolicyID]; ok {
		model = &mp
	}
	var safety *family.SafetyPolicy
	if sp, ok := f.ControlPlane.SafetyPolicies[p.SafetyPolicyID]; ok {
		safety = &sp
	}
	return &p, lane, model, safety
}

func deny(env Envelope, rationale ...string) Envelope {
	env.Action = ActionDeny
	env.Rationale = append(env.Rationale, rationale...)
	env.AllowedCapabilities = []string{}
	env.AllowedMemoryReadLanes = []string{}
	env.AllowedMemoryWriteLanes = []string{}
	return env
}

func riskOrLow(s *SafetySignal) family.RiskLevel {
	if s == nil || s.RiskLevel == "" {
		return family.RiskLow
	}
	return s.RiskLevel
}

// expandLanes substitutes the {memberId} template token and copies the
// slice so the config value is never aliased.
func expandLanes(lanes []string, memberID string) []string {
	out := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		out = append(out, strings.ReplaceAll(lane, "{memberId}", memberID))
	}
	return out
}

func sortedSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func subset(needles, haystack []string) bool {
	for _, n := range needles {
		if !contains(haystack, n) {
			return false
		}
	}
	return true
}
