package main

import (
	"github.com/urfave/cli/v2"

	xerrors "EgoMarket/internal/errors"

	// Registers the escrow, ledger, signing, task and trust-engine codes.
	_ "EgoMarket/internal/escrow"
)

type codeRow struct {
	Code      xerrors.Code     `json:"code"`
	Message   string           `json:"message"`
	Severity  xerrors.Severity `json:"severity"`
	Retryable bool             `json:"retryable"`
	Ambiguous bool             `json:"ambiguous"`
	Recovery  xerrors.Recovery `json:"recovery"`
}

var codesCommand = &cli.Command{
	Name:  "codes",
	Usage: "List every error code the API can return with its recovery hint",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "ambiguous", Usage: "only codes whose outcome must be re-verified on chain"},
	},
	Action: func(c *cli.Context) error {
		rows := make([]codeRow, 0)
		for _, code := range xerrors.Registered() {
			e := xerrors.New(code, "")
			if c.Bool("ambiguous") && !e.Ambiguous() {
				continue
			}
			rows = append(rows, codeRow{
				Code:      code,
				Message:   e.Message(),
				Severity:  e.Severity(),
				Retryable: e.Retryable(),
				Ambiguous: e.Ambiguous(),
				Recovery:  e.Recovery(),
			})
		}
		return printJSON(c, rows)
	},
}
