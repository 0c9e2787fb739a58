package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AharonR/downloader/internal/auth"
)

func newCookiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookies",
		Short: "Manage the encrypted cookie store",
	}
	cmd.AddCommand(newCookiesImportCmd(), newCookiesClearCmd(), newCookiesRotateCmd())
	return cmd
}

func newCookiesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a cookie file into the encrypted store",
		Long:  "Imports a Netscape cookies.txt or browser-export JSON cookie file; pass '-' to read from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := buildLogger()
			store, err := auth.NewStore(log)
			if err != nil {
				return err
			}
			if _, err := auth.LoadRuntimeJar(log, store, args[0], true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cookies imported to", store.Path())
			return nil
		},
	}
}

func newCookiesClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the encrypted cookie store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := buildLogger()
			store, err := auth.NewStore(log)
			if err != nil {
				return err
			}
			removed, err := store.Clear()
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintln(cmd.OutOrStdout(), "Cookie store cleared")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No cookie store to clear")
			}
			return nil
		},
	}
}

func newCookiesRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt stored cookies under a fresh key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := buildLogger()
			store, err := auth.NewStore(log)
			if err != nil {
				return err
			}
			if err := store.RotateKey(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cookie encryption key rotated")
			return nil
		},
	}
}
