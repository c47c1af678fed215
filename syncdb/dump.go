package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinode/topicsync/server/store"
	"github.com/tinode/topicsync/server/store/types"
)

// topicDump is one line of the dump output.
type topicDump struct {
	Topic   string               `json:"topic"`
	Entries []types.Entry        `json:"entries"`
	Queue   []types.QueueMessage `json:"queue,omitempty"`
}

var dumpCmd = &cobra.Command{
	Use:   "dump [topic...]",
	Short: "Print persisted topics",
	Long: `Print the entries and queue items of persisted topics, one JSON object per line.
All topics are printed if none is named.`,
	RunE: runDump,
}

var dropCmd = &cobra.Command{
	Use:   "drop topic...",
	Short: "Delete persisted topics",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDrop,
}

func init() {
	rootCmd.AddCommand(dumpCmd, dropCmd)
}

func openStore(cmd *cobra.Command) error {
	conf, err := loadStoreConfig(cmd)
	if err != nil {
		return err
	}
	if err := store.Store.Open(conf); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	return nil
}

func runDump(cmd *cobra.Command, args []string) error {
	if err := openStore(cmd); err != nil {
		return err
	}
	defer store.Store.Close()
	return dumpTopics(cmd, store.Entries, args)
}

func dumpTopics(cmd *cobra.Command, entries store.EntriesPersistenceInterface, topics []string) error {
	if len(topics) == 0 {
		var err error
		if topics, err = entries.Topics(); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, topic := range topics {
		all, err := entries.Hydrate(topic)
		if err != nil {
			return fmt.Errorf("topic %s: %w", topic, err)
		}
		queue, err := entries.HydrateQueue(topic)
		if err != nil {
			return fmt.Errorf("topic %s queue: %w", topic, err)
		}
		if err := enc.Encode(&topicDump{Topic: topic, Entries: all, Queue: queue}); err != nil {
			return err
		}
	}
	return nil
}

func runDrop(cmd *cobra.Command, args []string) error {
	if err := openStore(cmd); err != nil {
		return err
	}
	defer store.Store.Close()
	return dropTopics(cmd, store.Entries, args)
}

func dropTopics(cmd *cobra.Command, entries store.EntriesPersistenceInterface, topics []string) error {
	for _, topic := range topics {
		if err := entries.Delete(topic); err != nil {
			return fmt.Errorf("topic %s: %w", topic, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Deleted", topic)
	}
	return nil
}
