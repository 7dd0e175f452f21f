// Command flapjakd is a mutable LDAP directory server backed by a single
// textual dump file.
//
//	Usage: flapjakd --base-dn=STRING --ldif-file=STRING [flags]
//
//	flapjakd serves and persists a mutable LDAP directory tree.
//
//	Flags:
//	  -h, --help                     Show context-sensitive help.
//	      --base-dn=STRING           Suffix DN this backend serves
//	      --ldif-file=STRING         Path to the dump file backing the tree
//	      --is-private-backend       Hide this backend from unauthenticated root DSE queries
//	      --lock-fairness             Record a first-come-first-served lock preference (not applied to the backend lock)
//	      --listen=":10389"          Listen address
//	      --version                  Print program version
package main

import (
	"fmt"
	"log/slog"

	"github.com/alecthomas/kong"
	"github.com/hashicorp/go-hclog"

	"github.com/foxygoat/flapjakd/internal/backend"
	"github.com/foxygoat/flapjakd/internal/config"
	"github.com/foxygoat/flapjakd/internal/ldapfacade"
)

var version string = "v0.0.0" // overridden in Makefile with `git describe` output.

const description = `
flapjakd serves and persists a mutable LDAP directory tree.
`

type CLI struct {
	BaseDN           []string         `required:"" sep:"none" help:"Suffix DN this backend serves"`
	LdifFile         string           `required:"" help:"Path to the dump file backing the tree"`
	IsPrivateBackend bool             `help:"Hide this backend from unauthenticated root DSE queries"`
	LockFairness     bool             `help:"Record a first-come-first-served lock preference (not applied to the backend lock)"`
	Listen           string           `default:":10389" help:"Listen address"`
	Version          kong.VersionFlag `help:"Print program version"`
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Description(description),
		kong.Vars{"version": version},
	)
	err := kctx.Run(cli)
	kctx.FatalIfErrorf(err)
}

func (cli *CLI) Run() error {
	cfg, err := config.New(cli.BaseDN, cli.LdifFile, cli.IsPrivateBackend, cli.LockFairness)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := hclog.New(&hclog.LoggerOptions{Name: "flapjakd"})

	be, err := backend.Load(cfg, logger)
	if err != nil {
		return fmt.Errorf("could not load backend: %w", err)
	}
	slog.Info("backend loaded", "base-dn", cfg.BaseDN.String(), "ldif-file", cfg.LdifFile)

	s, err := ldapfacade.New(be)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(cli.Listen) }()

	if err := selfCheck(cli.Listen); err != nil {
		slog.Warn("startup self-check failed", "err", err)
	} else {
		slog.Info("startup self-check passed", "listen", cli.Listen)
	}

	return <-errCh
}
