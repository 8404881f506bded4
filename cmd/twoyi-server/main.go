// Command twoyi-server hosts a twoyi guest rootfs as an unprivileged
// process tree and exposes it for remote rendering and input over a
// line-delimited JSON control plane.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"
)

// Context carries flags and state shared across every subcommand.
type Context struct {
	AppData      string
	LogFile      string
	LogLevel     string
	OTLPEndpoint string
}

// CLI is the root command tree.
type CLI struct {
	AppData      string `placeholder:"<dir>" help:"application data directory (rootfs, profiles, sockets); defaults to an OS-appropriate location"`
	LogFile      string `placeholder:"<path>" help:"rotate logs here via lumberjack instead of writing to stderr"`
	LogLevel     string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	OTLPEndpoint string `name:"otlp-endpoint" placeholder:"<host:port>" help:"OTLP/gRPC collector endpoint; tracing is disabled if unset"`

	Serve   ServeCmd   `cmd:"" help:"run the control-plane daemon"`
	Extract ExtractCmd `cmd:"" help:"materialize a rootfs archive into a target directory"`
	Profile ProfileCmd `cmd:"" help:"inspect and manage local profiles without a running daemon"`
	Doc     DocCmd     `cmd:"" help:"print complete command help formatted as markdown"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

func appDataDir(override string) (string, error) {
	if override != "" {
		if err := os.MkdirAll(override, 0o755); err != nil {
			return "", fmt.Errorf("create app data dir %s: %w", override, err)
		}
		return override, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".local", "share", "twoyid")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create app data dir %s: %w", dir, err)
	}
	return dir, nil
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Name("twoyi-server"),
		kong.Description("Host a twoyi guest rootfs and expose it over a network control plane."),
		kong.Configuration(kongyaml.Loader, "~/.twoyi-server.yaml"),
		kong.UsageOnError(),
	)
	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("path", complete.PredictFiles("*")),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	appData, err := appDataDir(cli.AppData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "twoyi-server: %v\n", err)
		os.Exit(1)
	}
	cli.AppData = appData

	initLogging(cli.LogFile, cli.LogLevel)

	shutdownTelemetry := initTelemetry(cli.OTLPEndpoint)
	defer shutdownTelemetry()

	runCtx := &Context{
		AppData:      appData,
		LogFile:      cli.LogFile,
		LogLevel:     cli.LogLevel,
		OTLPEndpoint: cli.OTLPEndpoint,
	}

	err = kctx.Run(runCtx)
	kctx.FatalIfErrorf(err)
}
