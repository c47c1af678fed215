package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinode/topicsync/server/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database",
	Long: `Create the database and its schema. An existing database with the correct
version is left intact unless --reset is given, which drops it first.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("reset", false, "drop an existing database first")
}

func runInit(cmd *cobra.Command, args []string) error {
	conf, err := loadStoreConfig(cmd)
	if err != nil {
		return err
	}
	reset, _ := cmd.Flags().GetBool("reset")
	out := cmd.OutOrStdout()

	err = store.Store.Open(conf)
	defer store.Store.Close()
	if err == nil && !reset {
		fmt.Fprintf(out, "Database %s v%d exists, nothing to do\n",
			store.Store.GetAdapterName(), store.Store.GetAdapterVersion())
		return nil
	}
	if err != nil {
		fmt.Fprintln(out, "Database is missing or outdated:", err)
	}

	// Open may have failed after the adapter was connected. Start over.
	store.Store.Close()
	if err = store.Store.InitDb(conf, true); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	fmt.Fprintf(out, "Database %s v%d initialized\n", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())
	return nil
}
