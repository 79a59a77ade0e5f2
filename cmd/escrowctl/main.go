package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"EgoMarket/internal/config"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "JSON configuration file",
	EnvVars: []string{config.EnvConfigPath},
	Value:   "configs/egomarket.json",
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "escrowctl:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:        "escrowctl",
		Usage:       "Operator tooling for the EgoMarket escrow service",
		Writer:      out,
		Flags:       []cli.Flag{configFlag},
		Commands:    []*cli.Command{configCommand, scoreCommand, tierCommand, ledgerCommand, codesCommand},
		HideVersion: true,
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String(configFlag.Name))
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Validate the configuration file and print the resolved settings",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		return printJSON(c, map[string]any{
			"server":      cfg.Server.Address,
			"storage":     cfg.Storage.Driver,
			"event_log":   cfg.EventLog.Driver,
			"ledger":      cfg.Ledger.Driver,
			"anti_gaming": cfg.AntiGaming.Store,
			"notify":      cfg.Notify.Sinks,
			"auth":        cfg.Auth.Mode,
			"escrow":      cfg.EscrowSettings(),
		})
	},
}
