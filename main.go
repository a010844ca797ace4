package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"zkrollup-node/common"
	"zkrollup-node/config"
	dbUtils "zkrollup-node/database"
	"zkrollup-node/log"
	"zkrollup-node/node"

	"github.com/urfave/cli"
)

const (
	flagCfg     = "cfg"
	flagYes     = "yes"
	flagPath    = "path"
	nMigrations = "nMigrations"
)

// exitError carries the exit code of a failed command
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func parseCli(c *cli.Context) (*config.Node, error) {
	cfg, err := config.LoadNode(c.String(flagCfg))
	if err != nil {
		if err := cli.ShowAppHelp(c); err != nil {
			panic(err)
		}
		return nil, &exitError{err: common.Wrap(err), code: node.ExitOther}
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	return cfg, nil
}

// signalContext returns a context that is canceled on the first interrupt.
// The third interrupt kills the process.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt, syscall.SIGTERM)
	const forceStopCount = 3
	go func() {
		n := 0
		for sig := range ossig {
			log.Infow("Received signal", "sig", sig)
			cancel()
			n++
			if n == forceStopCount {
				log.Fatalf("Received %v Interrupt Signals", forceStopCount)
			}
		}
	}()
	return ctx, cancel
}

func cmdRun(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return err
	}
	innerNode, err := node.NewNode(cfg)
	if err != nil {
		return &exitError{err: fmt.Errorf("error starting node: %w", err), code: node.ExitCode(err)}
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := innerNode.Run(ctx); err != nil {
		return &exitError{err: err, code: node.ExitCode(err)}
	}
	return nil
}

func cmdRestore(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return err
	}
	path := c.String(flagPath)
	if path == "" {
		path = cfg.StateDB.Path + "-restore"
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := node.Restore(ctx, cfg, path); err != nil {
		return &exitError{err: err, code: node.ExitCode(err)}
	}
	return nil
}

func cmdWipeSQL(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return err
	}
	yes := c.Bool(flagYes)
	if !yes {
		fmt.Print("*WARNING* Are you sure you want to delete " +
			"the SQL DB? [y/N]: ")
		var input string
		if _, err := fmt.Scanln(&input); err != nil {
			return common.Wrap(err)
		}
		if input == "y" || input == "Y" {
			yes = true
		}
	}
	if !yes {
		return nil
	}
	db, err := dbUtils.ConnectSQLDB(
		cfg.PostgreSQL.PortWrite,
		cfg.PostgreSQL.HostWrite,
		cfg.PostgreSQL.UserWrite,
		cfg.PostgreSQL.PasswordWrite,
		cfg.PostgreSQL.NameWrite,
	)
	if err != nil {
		return &exitError{err: common.Wrap(err), code: node.ExitDatabase}
	}
	log.Info("Wiping SQL DB...")
	if err := dbUtils.MigrationsDown(db.DB, c.Uint(nMigrations)); err != nil {
		return &exitError{
			err:  common.Wrap(fmt.Errorf("dbUtils.MigrationsDown: %w", err)),
			code: node.ExitDatabase,
		}
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "zkrollup-node"
	app.Version = "v1"

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     flagCfg,
			Usage:    "Node configuration `FILE`",
			Required: true,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the rollup operator node",
			Action:  cmdRun,
			Flags:   flags,
		},
		{
			Name:    "restore",
			Aliases: []string{},
			Usage:   "Rebuild the account tree from the blocks committed on L1",
			Action:  cmdRestore,
			Flags: append(flags,
				&cli.StringFlag{
					Name:  flagPath,
					Usage: "Restored statedb `DIR`, defaults to the statedb path with a -restore suffix",
				}),
		},
		{
			Name:    "wipesql",
			Aliases: []string{},
			Usage: "Wipe the SQL DB (HistoryDB and L2DB), " +
				"leaving the DB in a clean state",
			Action: cmdWipeSQL,
			Flags: append(flags,
				&cli.BoolFlag{
					Name:  flagYes,
					Usage: "automatic yes to the prompt",
				},
				&cli.UintFlag{
					Name:  nMigrations,
					Usage: "amount of migrations to be done",
				}),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		code := node.ExitOther
		if exitErr, ok := err.(*exitError); ok {
			code = exitErr.code
		}
		os.Exit(code)
	}
}
