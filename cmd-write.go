package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/nesdb/nescore/storage"
)

func newCmdWrite() *cli.Command {
	return &cli.Command{
		Name:      "write",
		Usage:     "append a JSON document to a storage",
		ArgsUsage: "<dir> <payload-json>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("write: expected <dir> <payload-json>")
			}
			dir := c.Args().Get(0)
			raw := c.Args().Get(1)

			var doc any
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				return fmt.Errorf("write: payload is not valid JSON: %w", err)
			}

			s, err := storage.Open(storageName, true, storage.WithDataDirectory(dir))
			if err != nil {
				return err
			}
			defer s.Close()

			seq, err := s.Write(doc)
			if err != nil {
				return err
			}
			fmt.Println(seq)
			return nil
		},
	}
}
