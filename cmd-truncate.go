package main

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/nesdb/nescore/storage"
)

func newCmdTruncate() *cli.Command {
	return &cli.Command{
		Name:      "truncate",
		Usage:     "drop every document after a sequence number, including its secondary index entries",
		ArgsUsage: "<dir> <after>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("truncate: expected <dir> <after>")
			}
			dir := c.Args().Get(0)
			after, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
			if err != nil {
				return fmt.Errorf("truncate: invalid sequence number %q: %w", c.Args().Get(1), err)
			}

			s, err := storage.Open(storageName, true, storage.WithDataDirectory(dir))
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Truncate(uint32(after)); err != nil {
				return err
			}
			fmt.Printf("truncated to %d documents\n", s.Primary().Length())
			return nil
		},
	}
}
