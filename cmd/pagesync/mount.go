package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/systemshift/pagesync/internal/fuse"
)

var mountDebug bool

var mountCmd = &cobra.Command{
	Use:   "mount <page> <dir>",
	Short: "Mount a page read-only, syncing it while mounted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mountpoint := args[1]
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return errors.Wrap(err, "create mountpoint")
		}
		n, err := startNode(cfg, log)
		if err != nil {
			return err
		}
		defer n.close()

		page, err := n.ledger.Page(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		server, err := fuse.Mount(mountpoint, page, fuse.MountOptions{Logger: log.Named("fuse"), Debug: mountDebug})
		if err != nil {
			return err
		}

		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-done
			log.Infow("Unmounting", "dir", mountpoint)
			if err := server.Unmount(); err != nil {
				log.Warnw("Unmount failed", "error", err)
			}
		}()

		log.Infow("Mounted", "page", page.ID(), "dir", mountpoint, "pid", os.Getpid())
		server.Wait()
		return nil
	},
}

func init() {
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "Log every FUSE request")
}
