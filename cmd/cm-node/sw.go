package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	cm "github.com/unkn0wn-root/copymachine"
)

type swOptions struct {
	*rootOptions

	MachineID   uint64
	StoreDriver string
	StorePath   string
}

func newSWCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &swOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sw",
		Short: "Inspect or clear a persisted sliding window",
	}
	f := cmd.PersistentFlags()
	f.Uint64Var(&opts.MachineID, "id", 0, "machine id (defaults to the config's)")
	f.StringVar(&opts.StoreDriver, "store", "", "store driver (badger|sqlite)")
	f.StringVar(&opts.StorePath, "store-path", "", "store location")

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print the window record of a machine",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, id, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			sw, err := cm.LoadWindow(st, id)
			if errors.Is(err, cm.ErrNoRecord) {
				fmt.Fprintf(cmd.OutOrStdout(), "machine %d: no window record\n", id)
				return nil
			}
			if err != nil {
				return wrapExit(exitFailure, "load window", err)
			}
			if !sw.IsSet() {
				fmt.Fprintf(cmd.OutOrStdout(), "machine %d: operation started, no group done\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "machine %d: window %s\n", id, sw)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Delete the window record so the next run starts over",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, id, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := cm.ClearWindow(st, id); err != nil {
				return wrapExit(exitFailure, "clear window", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "machine %d: window record cleared\n", id)
			return nil
		},
	})
	return cmd
}

func (o *swOptions) open(cmd *cobra.Command) (cm.Store, uint64, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, 0, err
	}
	f := cmd.Flags()
	if f.Changed("id") {
		cfg.Machine.ID = o.MachineID
	}
	if f.Changed("store") {
		cfg.Store.Driver = o.StoreDriver
	}
	if f.Changed("store-path") {
		cfg.Store.Path = o.StorePath
	}
	if cfg.Store.Driver == "memory" {
		return nil, 0, wrapExit(exitCommandError, "sw", errors.New("a memory store keeps no records"))
	}
	if err := cfg.validate(); err != nil {
		return nil, 0, wrapExit(exitCommandError, "invalid config", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, 0, err
	}
	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, 0, wrapExit(exitCommandError, "open store", err)
	}
	return st, cfg.Machine.ID, nil
}
