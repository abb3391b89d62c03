package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/nesdb/nescore/storage"
)

func newCmdRead() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "print the document at a position (negative counts from the end)",
		ArgsUsage: "<dir> <n>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("read: expected <dir> <n>")
			}
			dir := c.Args().Get(0)
			n, err := strconv.Atoi(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("read: invalid position %q: %w", c.Args().Get(1), err)
			}

			s, err := storage.Open(storageName, false, storage.WithDataDirectory(dir))
			if err != nil {
				return err
			}
			defer s.Close()

			doc, ok, err := s.Read(n, nil)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("read: no document at position %d", n)
			}
			b, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}
