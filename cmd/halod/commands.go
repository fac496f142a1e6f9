package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/halohq/halo/internal/config"
	"github.com/halohq/halo/internal/family"
	"github.com/halohq/halo/internal/retention"

	logging "github.com/halohq/halo/internal/logging"
)

// ConfigValidateCmd validates the family configuration and prints the
// issue list on failure.
type ConfigValidateCmd struct {
	Path    string `help:"Family config path (defaults to the configured control plane)."`
	Profile string `help:"Profile name inside a multi-profile file."`
}

func (c *ConfigValidateCmd) Run() error {
	var fam *family.Family
	var err error
	if c.Path != "" {
		fam, err = family.Load(c.Path, c.Profile)
	} else {
		cfg, cfgErr := config.Load()
		if cfgErr != nil {
			return cfgErr
		}
		fam, err = loadFamily(cfg)
	}

	var verr *family.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(os.Stderr, "invalid family config:")
		for _, issue := range verr.Issues {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", issue.Path, issue.Message)
		}
		return fmt.Errorf("%d issues", len(verr.Issues))
	}
	if err != nil {
		return err
	}

	fmt.Printf("ok: family %s, schema v%d, %d members\n", fam.FamilyID, fam.SchemaVersion, len(fam.Members))
	return nil
}

// RetentionRunCmd runs one manual retention pass and prints the summary.
type RetentionRunCmd struct {
	DryRun     bool     `help:"Report candidates without deleting."`
	Scope      string   `help:"Limit to one scope id."`
	UploadedBy []string `help:"Limit to files uploaded by these member ids."`
	Extensions []string `help:"Limit to these file extensions."`
}

func (c *RetentionRunCmd) Run() error {
	rt, err := newRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	// A manual run works even when the background scheduler is disabled.
	cfg := rt.cfg.Retention
	cfg.Enabled = true
	scheduler := rt.newRetentionScheduler(cfg)
	scheduler.Start()
	defer scheduler.Stop()

	opts := retention.RunOptions{
		ScopeID:    c.Scope,
		UploadedBy: c.UploadedBy,
		Extensions: c.Extensions,
	}
	if c.DryRun {
		dry := true
		opts.DryRun = &dry
	}

	result := <-scheduler.RunNow(opts)
	if result.Err != nil {
		return result.Err
	}
	return printJSON(result.Summary)
}

// SyncRunCmd runs one semantic sync pass over markdown memory and
// transcripts.
type SyncRunCmd struct {
	Scope string `help:"Limit transcript sync to one scope id."`
}

func (c *SyncRunCmd) Run() error {
	rt, err := newRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()

	memDir, err := memoryRoot()
	if err != nil {
		return err
	}
	mdRes, err := rt.sync.SyncMarkdownDir(ctx, memDir)
	if err != nil {
		return fmt.Errorf("markdown sync: %w", err)
	}
	logging.L_info("markdown sync done", "scanned", mdRes.FilesScanned, "indexed", mdRes.FilesIndexed)

	scopes := []string{c.Scope}
	if c.Scope == "" {
		scopes = rt.sessionScopeIDs()
	}
	out := map[string]any{"markdown": mdRes}
	transcripts := map[string]any{}
	for _, scope := range scopes {
		res, err := rt.sync.SyncTranscript(ctx, scope)
		if err != nil {
			return fmt.Errorf("transcript sync %s: %w", scope, err)
		}
		transcripts[scope] = res
	}
	out["transcripts"] = transcripts
	return printJSON(out)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
