package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"EgoMarket/internal/ledger"
	"EgoMarket/internal/ledger/rpc"
)

var nodeFlag = &cli.StringFlag{
	Name:  "node",
	Usage: "ledger node name from the node config (defaults to the configured default)",
}

var ledgerCommand = &cli.Command{
	Name:  "ledger",
	Usage: "Query the configured ledger nodes",
	Flags: []cli.Flag{nodeFlag},
	Subcommands: []*cli.Command{
		{
			Name:  "nodes",
			Usage: "List the configured nodes",
			Action: withRegistry(func(c *cli.Context, reg *rpc.Registry, _ ledger.Client) error {
				return printJSON(c, reg.Nodes())
			}),
		},
		{
			Name:  "height",
			Usage: "Print the current block height",
			Action: withRegistry(func(c *cli.Context, _ *rpc.Registry, client ledger.Client) error {
				height, err := client.CurrentHeight(c.Context)
				if err != nil {
					return err
				}
				return printJSON(c, map[string]int64{"height": height})
			}),
		},
		{
			Name:      "box",
			Usage:     "Look up a box by id, spent or not",
			ArgsUsage: "<box-id>",
			Action: withRegistry(func(c *cli.Context, _ *rpc.Registry, client ledger.Client) error {
				if c.NArg() != 1 {
					return cli.Exit("box expects a box id", 2)
				}
				box, err := client.BoxByID(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				return printJSON(c, box)
			}),
		},
		{
			Name:      "tx",
			Usage:     "Look up a transaction in the mempool or the chain",
			ArgsUsage: "<tx-id>",
			Action: withRegistry(func(c *cli.Context, _ *rpc.Registry, client ledger.Client) error {
				if c.NArg() != 1 {
					return cli.Exit("tx expects a transaction id", 2)
				}
				tx, err := client.TxByID(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				return printJSON(c, tx)
			}),
		},
		{
			Name:      "utxos",
			Usage:     "List the unspent boxes of an address",
			ArgsUsage: "<address>",
			Action: withRegistry(func(c *cli.Context, _ *rpc.Registry, client ledger.Client) error {
				if c.NArg() != 1 {
					return cli.Exit("utxos expects an address", 2)
				}
				boxes, err := client.Utxos(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				var total uint64
				for _, b := range boxes {
					total += b.Value
				}
				return printJSON(c, map[string]any{
					"boxes": boxes,
					"total": ledger.FormatCoins(total),
				})
			}),
		},
	},
}

// withRegistry dials the configured nodes for the lifetime of one command.
func withRegistry(fn func(*cli.Context, *rpc.Registry, ledger.Client) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if cfg.Ledger.Driver != "rpc" {
			return cli.Exit(fmt.Sprintf("ledger driver %q has no remote nodes to query", cfg.Ledger.Driver), 1)
		}
		reg, err := rpc.NewRegistry(c.Context, cfg.Ledger.NodeConfig, cfg.Ledger.DefaultNode, cfg.Ledger.RPCURL)
		if err != nil {
			return err
		}
		defer reg.Close()

		client := reg.Default()
		if name := c.String(nodeFlag.Name); name != "" {
			named, ok := reg.Client(name)
			if !ok {
				return cli.Exit(fmt.Sprintf("unknown ledger node %q", name), 1)
			}
			client = named
		}
		return fn(c, reg, client)
	}
}
