package main

import (
	"fmt"
	"time"

	"github.com/halohq/halo/internal/config"
	"github.com/halohq/halo/internal/family"
	"github.com/halohq/halo/internal/paths"

	. "github.com/halohq/halo/internal/logging"
)

// OnboardCmd groups the onboarding contract operations. Each one loads
// the family config, mutates the contract, re-validates and saves.
type OnboardCmd struct {
	Path string `help:"Family config path (defaults to the configured control plane)."`

	Bootstrap OnboardBootstrapCmd `cmd:"" help:"Create the household contract."`
	Issue     OnboardIssueCmd     `cmd:"" help:"Issue a member invite."`
	Accept    OnboardAcceptCmd    `cmd:"" help:"Accept an invite."`
	Revoke    OnboardRevokeCmd    `cmd:"" help:"Revoke an invite."`
	Relink    OnboardRelinkCmd    `cmd:"" help:"Relink a member to a new telegram account."`
}

// contract loads the family config for mutation and returns the save
// path alongside it.
func (c *OnboardCmd) contract() (*family.Family, string, error) {
	path := c.Path
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, "", err
		}
		if cfg.ControlPlane.Path != "" {
			path = cfg.ControlPlane.Path
		} else {
			path, err = paths.FamilyConfigPath()
			if err != nil {
				return nil, "", err
			}
		}
	}
	expanded, err := paths.ExpandTilde(path)
	if err != nil {
		return nil, "", err
	}
	// Onboarding saves the whole document back, so multi-profile files
	// are not supported here.
	f, err := family.Load(expanded, "")
	if err != nil {
		return nil, "", err
	}
	return f, expanded, nil
}

// OnboardBootstrapCmd creates the household contract. Idempotent.
type OnboardBootstrapCmd struct {
	Household   string `required:"" help:"Household id."`
	DisplayName string `required:"" help:"Household display name."`
	Owner       string `required:"" help:"Owner member id (must be a parent with a linked telegram account)."`
}

func (b *OnboardBootstrapCmd) Run(parent *OnboardCmd) error {
	f, path, err := parent.contract()
	if err != nil {
		return err
	}
	contract, err := family.Bootstrap(f, b.Household, b.DisplayName, b.Owner, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := family.Save(f, path); err != nil {
		return err
	}
	L_info("household bootstrapped", "household", contract.Household.HouseholdID, "owner", b.Owner)
	return nil
}

// OnboardIssueCmd issues an invite for a configured member.
type OnboardIssueCmd struct {
	Member      string `required:"" help:"Member id the invite is for."`
	ExpiresDays int    `default:"7" help:"Days until the invite expires."`
}

func (i *OnboardIssueCmd) Run(parent *OnboardCmd) error {
	f, path, err := parent.contract()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	invite, err := family.IssueInvite(f, i.Member, now, now+int64(i.ExpiresDays)*24*60*60*1000)
	if err != nil {
		return err
	}
	if err := family.Save(f, path); err != nil {
		return err
	}
	fmt.Printf("invite %s for %s, expires %s\n",
		invite.InviteID, i.Member, time.UnixMilli(invite.ExpiresAt).Format(time.RFC3339))
	return nil
}

// OnboardAcceptCmd accepts an invite, linking a telegram account.
type OnboardAcceptCmd struct {
	Invite     string `required:"" help:"Invite id."`
	Member     string `required:"" help:"Accepting member id."`
	TelegramID int64  `required:"" help:"Telegram user id to link."`
}

func (a *OnboardAcceptCmd) Run(parent *OnboardCmd) error {
	f, path, err := parent.contract()
	if err != nil {
		return err
	}
	if _, err := family.AcceptInvite(f, a.Invite, a.Member, a.TelegramID, time.Now().UnixMilli()); err != nil {
		// An expired invite is marked before the error surfaces; persist
		// that state transition.
		if saveErr := family.Save(f, path); saveErr != nil {
			L_warn("failed to persist invite state", "error", saveErr)
		}
		return err
	}
	if err := family.Save(f, path); err != nil {
		return err
	}
	L_info("invite accepted", "invite", a.Invite, "member", a.Member)
	return nil
}

// OnboardRevokeCmd revokes a pending invite.
type OnboardRevokeCmd struct {
	Invite string `required:"" help:"Invite id."`
	Member string `required:"" help:"Revoking member id."`
}

func (r *OnboardRevokeCmd) Run(parent *OnboardCmd) error {
	f, path, err := parent.contract()
	if err != nil {
		return err
	}
	if _, err := family.RevokeInvite(f, r.Invite, r.Member, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := family.Save(f, path); err != nil {
		return err
	}
	L_info("invite revoked", "invite", r.Invite)
	return nil
}

// OnboardRelinkCmd moves a member to a new telegram account.
type OnboardRelinkCmd struct {
	Member   string `required:"" help:"Member id."`
	Previous int64  `required:"" help:"Previous telegram user id."`
	Next     int64  `required:"" help:"New telegram user id."`
}

func (r *OnboardRelinkCmd) Run(parent *OnboardCmd) error {
	f, path, err := parent.contract()
	if err != nil {
		return err
	}
	if _, err := family.DoRelink(f, r.Member, r.Previous, r.Next, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := family.Save(f, path); err != nil {
		return err
	}
	L_info("member relinked", "member", r.Member, "from", r.Previous, "to", r.Next)
	return nil
}
