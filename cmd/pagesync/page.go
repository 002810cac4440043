package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/systemshift/pagesync/internal/dag"
)

var (
	putLazy  bool
	logLimit int
)

var putCmd = &cobra.Command{
	Use:   "put <page> <key> <value>",
	Short: "Write a value",
	Args:  cobra.ExactArgs(3),
	RunE: withPage(func(ctx context.Context, cmd *cobra.Command, page *dag.PageStorage, args []string) error {
		priority := dag.Eager
		if putLazy {
			priority = dag.Lazy
		}
		c, err := page.Put(ctx, args[1], []byte(args[2]), priority)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dag.FormatCID(c.ID))
		return nil
	}),
}

var getCmd = &cobra.Command{
	Use:   "get <page> <key>",
	Short: "Read a value at the latest head",
	Args:  cobra.ExactArgs(2),
	RunE: withPage(func(ctx context.Context, cmd *cobra.Command, page *dag.PageStorage, args []string) error {
		v, err := page.Get(ctx, args[1])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(append(v, '\n'))
		return err
	}),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <page> <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(2),
	RunE: withPage(func(ctx context.Context, cmd *cobra.Command, page *dag.PageStorage, args []string) error {
		c, err := page.Delete(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dag.FormatCID(c.ID))
		return nil
	}),
}

var headsCmd = &cobra.Command{
	Use:   "heads <page>",
	Short: "List the page's head commits",
	Args:  cobra.ExactArgs(1),
	RunE: withPage(func(ctx context.Context, cmd *cobra.Command, page *dag.PageStorage, args []string) error {
		heads, err := page.GetHeads(ctx)
		if err != nil {
			return err
		}
		for _, h := range heads {
			fmt.Fprintln(cmd.OutOrStdout(), dag.FormatCID(h.ID))
		}
		return nil
	}),
}

var logCmd = &cobra.Command{
	Use:   "log <page>",
	Short: "Show commits, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: withPage(func(ctx context.Context, cmd *cobra.Command, page *dag.PageStorage, args []string) error {
		commits, err := page.Log(ctx, logLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range commits {
			parents := make([]string, len(c.ParentIDs))
			for i, p := range c.ParentIDs {
				parents[i] = dag.FormatCID(p)
			}
			fmt.Fprintf(out, "%s gen=%d %s", dag.FormatCID(c.ID), c.Generation, c.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"))
			if len(parents) > 0 {
				fmt.Fprintf(out, " parents=%s", strings.Join(parents, ","))
			}
			fmt.Fprintln(out)
		}
		return nil
	}),
}

func init() {
	putCmd.Flags().BoolVar(&putLazy, "lazy", false, "Store the value lazily: peers fetch it on first read")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "Maximum commits to show (0 for all)")
}

// withPage runs fn against args[0] in a ledger opened without sync.
func withPage(fn func(ctx context.Context, cmd *cobra.Command, page *dag.PageStorage, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		l, err := openLocal(cfg, log)
		if err != nil {
			return err
		}
		defer l.Close()
		page, err := l.Page(ctx, args[0])
		if err != nil {
			return err
		}
		return fn(ctx, cmd, page, args)
	}
}

