// halod is the Halo household gateway daemon and its operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	. "github.com/halohq/halo/internal/logging"
)

const version = "0.1.0"

// restartExitCode tells the supervising launcher to rebuild and restart.
const restartExitCode = 43

var cli struct {
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." default:"info" enum:"trace,debug,info,warn,error"`

	Serve ServeCmd `cmd:"" help:"Run the gateway: retention scheduler, semantic sync and admin surface."`

	Config struct {
		Validate ConfigValidateCmd `cmd:"" help:"Validate the family configuration."`
	} `cmd:"" help:"Configuration commands."`

	Retention struct {
		Run RetentionRunCmd `cmd:"" help:"Run one file retention pass."`
	} `cmd:"" help:"File retention commands."`

	Sync struct {
		Run SyncRunCmd `cmd:"" help:"Run one semantic sync pass."`
	} `cmd:"" help:"Semantic index commands."`

	Policy struct {
		Resolve PolicyResolveCmd `cmd:"" help:"Resolve a message into a decision envelope."`
	} `cmd:"" help:"Policy engine commands."`

	Onboard OnboardCmd `cmd:"" help:"Household onboarding operations."`

	Version VersionCmd `cmd:"" help:"Print the version."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Printf("halod %s\n", version)
	return nil
}

func logLevel(name string) int {
	switch name {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("halod"),
		kong.Description("Halo household AI assistant gateway."),
		kong.UsageOnError(),
	)

	Init(&Config{Level: logLevel(cli.LogLevel)})

	if err := ctx.Run(); err != nil {
		L_error("%s failed: %v", ctx.Command(), err)
		os.Exit(1)
	}
}
