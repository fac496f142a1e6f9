package main

import (
	"github.com/halohq/halo/internal/config"
	"github.com/halohq/halo/internal/family"
	"github.com/halohq/halo/internal/policy"
)

// PolicyResolveCmd resolves a hypothetical message into a decision
// envelope and prints it. Useful for checking what a config change does
// before a real message arrives.
type PolicyResolveCmd struct {
	From      int64  `required:"" help:"Telegram user id of the sender."`
	ChatID    int64  `help:"Chat id (defaults to a DM with the sender)."`
	ChatType  string `default:"private" enum:"private,group,supergroup" help:"Chat type."`
	Mentioned bool   `help:"Whether the assistant was mentioned."`
	Command   string `help:"Slash command carried by the message, if any."`
	Risk      string `default:"low" enum:"low,medium,high" help:"Safety risk classification."`
}

func (c *PolicyResolveCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fam, err := loadFamily(cfg)
	if err != nil {
		return err
	}

	chatID := c.ChatID
	if chatID == 0 {
		chatID = c.From
	}
	policyVersion := ""
	if fam.ControlPlane != nil {
		policyVersion = fam.ControlPlane.PolicyVersion
	}

	env := policy.Resolve(policy.Input{
		PolicyVersion:     policyVersion,
		Family:            fam,
		Chat:              policy.Chat{ID: chatID, Type: c.ChatType},
		FromID:            c.From,
		Intent:            policy.Intent{IsMentioned: c.Mentioned, Command: c.Command},
		FamilyGroupChatID: fam.FamilyGroupChatID(),
		Safety:            &policy.SafetySignal{RiskLevel: family.RiskLevel(c.Risk)},
	})
	return printJSON(env)
}
