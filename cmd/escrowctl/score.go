package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"EgoMarket/internal/agent"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/reputation"
)

var scoreCommand = &cli.Command{
	Name:      "score",
	Usage:     "Compute an agent standing from an exported event history",
	ArgsUsage: "<events.json>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "agent", Usage: "agent id reported in the output"},
		&cli.TimestampFlag{Name: "created", Usage: "agent registration time", Layout: time.RFC3339},
		&cli.TimestampFlag{Name: "at", Usage: "evaluation time (defaults to now)", Layout: time.RFC3339},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("score expects exactly one events file", 2)
		}
		history, err := readEvents(c.Args().First())
		if err != nil {
			return err
		}
		policy, err := policyFor(c)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if at := c.Timestamp("at"); at != nil {
			now = *at
		}
		profile := &agent.Agent{ID: c.String("agent")}
		if created := c.Timestamp("created"); created != nil {
			profile.CreatedAt = *created
		} else if len(history) > 0 {
			profile.CreatedAt = history[0].OccurredAt
		}
		return printJSON(c, reputation.Compute(profile, history, now, policy))
	},
}

var tierCommand = &cli.Command{
	Name:      "tier",
	Usage:     "Show the tier and limits a score maps to",
	ArgsUsage: "<score>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("tier expects a score between 0 and 100", 2)
		}
		score, err := strconv.ParseFloat(c.Args().First(), 64)
		if err != nil {
			return fmt.Errorf("invalid score %q: %w", c.Args().First(), err)
		}
		policy, err := policyFor(c)
		if err != nil {
			return err
		}
		tier := reputation.TierFor(score)
		limits := policy.LimitsFor(tier)
		return printJSON(c, map[string]any{
			"score":          score,
			"tier":           tier,
			"max_task_coins": ledger.FormatCoins(limits.MaxTaskValue),
			"escrow_hold":    limits.EscrowHold.String(),
		})
	},
}

// readEvents loads a JSON array of reputation events ordered by occurrence.
func readEvents(path string) ([]agent.EgoEvent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var history []agent.EgoEvent
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].OccurredAt.Before(history[j].OccurredAt)
	})
	return history, nil
}

// policyFor uses the configured tier table, or the built-in one when no
// configuration file is present and none was requested explicitly.
func policyFor(c *cli.Context) (reputation.Policy, error) {
	path := c.String(configFlag.Name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !c.IsSet(configFlag.Name) {
		return reputation.DefaultPolicy(), nil
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return reputation.Policy{}, err
	}
	return cfg.ReputationPolicy(), nil
}
