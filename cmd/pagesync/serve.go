package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var servePages []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the ledger and keep its pages in sync until interrupted",
	Long: `Open the ledger and sync its pages with the cloud and with peer devices,
as enabled in the config. Pages named with --page are opened even if they
do not exist yet; every page already stored is opened too.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringSliceVarP(&servePages, "page", "p", nil, "Page to open (repeatable)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(cfg, log)
	if err != nil {
		return err
	}
	defer n.close()

	ids, err := n.ledger.PageIDs()
	if err != nil {
		return err
	}
	for _, id := range append(ids, servePages...) {
		if _, err := n.ledger.Page(ctx, id); err != nil {
			return err
		}
	}
	log.Infow("Serving", "ledger", n.ledger.Name(), "pages", n.ledger.Pages(), "pid", os.Getpid())

	<-ctx.Done()
	log.Infow("Shutting down")
	return nil
}
