package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/nesdb/nescore/storage"
)

func newCmdRange() *cli.Command {
	return &cli.Command{
		Name:      "range",
		Usage:     "print documents in [from,until] (from > until scans in reverse); an optional index name scans a secondary index instead of the primary",
		ArgsUsage: "<dir> <from> <until> [index]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("range: expected <dir> <from> <until> [index]")
			}
			dir := c.Args().Get(0)
			from, err := strconv.Atoi(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("range: invalid from %q: %w", c.Args().Get(1), err)
			}
			until, err := strconv.Atoi(c.Args().Get(2))
			if err != nil {
				return fmt.Errorf("range: invalid until %q: %w", c.Args().Get(2), err)
			}

			s, err := storage.Open(storageName, false, storage.WithDataDirectory(dir))
			if err != nil {
				return err
			}
			defer s.Close()

			idx := s.Primary()
			if c.NArg() >= 4 {
				named, err := s.OpenIndex(c.Args().Get(3), nil)
				if err != nil {
					return err
				}
				idx = named
			}

			docs, err := s.ReadRange(from, until, idx)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				b, err := json.Marshal(doc)
				if err != nil {
					return err
				}
				fmt.Println(string(b))
			}
			return nil
		},
	}
}
