package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/nesdb/nescore/matcher"
	"github.com/nesdb/nescore/storage"
)

func newCmdIndex() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "manage secondary indexes",
		Subcommands: []*cli.Command{
			newCmdIndexEnsure(),
		},
	}
}

func newCmdIndexEnsure() *cli.Command {
	return &cli.Command{
		Name:      "ensure",
		Usage:     "create (backfilling) or open a secondary index matching a JSON property-constraint object",
		ArgsUsage: "<dir> <name> <constraints-json>",
		Description: "constraints-json is an object matcher, e.g. '{\"kind\":\"login\"}'. " +
			"Function matchers are not available from the CLI: evaluating a persisted " +
			"script needs a host-language collaborator, which nescli does not embed.",
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("index ensure: expected <dir> <name> <constraints-json>")
			}
			dir := c.Args().Get(0)
			name := c.Args().Get(1)
			raw := c.Args().Get(2)

			var constraints map[string]any
			if err := json.Unmarshal([]byte(raw), &constraints); err != nil {
				return fmt.Errorf("index ensure: constraints must be a JSON object: %w", err)
			}

			s, err := storage.Open(storageName, true, storage.WithDataDirectory(dir))
			if err != nil {
				return err
			}
			defer s.Close()

			idx, err := s.EnsureIndex(name, matcher.Object(constraints))
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d entries\n", name, idx.Length())
			return nil
		},
	}
}
