package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/nesdb/nescore/storage"
)

func newCmdStat() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "print document counts and on-disk sizes for a storage",
		ArgsUsage: "<dir>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("stat: expected <dir>")
			}
			dir := c.Args().Get(0)

			s, err := storage.Open(storageName, false, storage.WithDataDirectory(dir))
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.Stats()
			if err != nil {
				return err
			}

			fmt.Printf("documents:   %d\n", st.Documents)
			fmt.Printf("partitions:  %d (%s)\n", st.Partitions, humanize.IBytes(uint64(st.PartitionsBytes)))
			fmt.Printf("primary idx: %s\n", humanize.IBytes(uint64(st.PrimaryIndexBytes)))
			fmt.Printf("secondary:   %s\n", humanize.IBytes(uint64(st.SecondaryBytes)))
			for name, n := range st.SecondaryIndexes {
				fmt.Printf("  %-20s %d entries\n", name, n)
			}
			fmt.Printf("buffered:    %d bytes not yet flushed\n", st.BufferedBytes)
			return nil
		},
	}
}
