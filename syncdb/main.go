// Command syncdb manages the database of topicsync.
//
// Usage:
//
//	syncdb init -c topicsync.conf [--reset]   # Create the database
//	syncdb dump -c topicsync.conf [topic...]  # Print persisted topics as JSON
//	syncdb drop -c topicsync.conf topic...    # Delete persisted topics
//	syncdb version                            # Show version info
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	jcr "github.com/tinode/jsonco"
	"gopkg.in/yaml.v3"

	_ "github.com/tinode/topicsync/server/db/memory"
	_ "github.com/tinode/topicsync/server/db/mongodb"
	_ "github.com/tinode/topicsync/server/db/mysql"
	_ "github.com/tinode/topicsync/server/db/postgres"
	_ "github.com/tinode/topicsync/server/db/redis"
	_ "github.com/tinode/topicsync/server/db/rethinkdb"
	"github.com/tinode/topicsync/server/store"
)

// Set at build time with -ldflags "-X main.buildstamp=value".
var buildstamp = "undef"

type configType struct {
	StoreConfig json.RawMessage `json:"store_config"`
}

var rootCmd = &cobra.Command{
	Use:   "syncdb",
	Short: "Database tool of topicsync",
	Long: `syncdb creates the topicsync database, inspects and deletes persisted topics.

The database connection is taken from the store_config section of the server
config file, JSON with comments or YAML.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "syncdb %s\n", buildstamp)
		fmt.Fprintf(cmd.OutOrStdout(), "  adapters: %s\n", strings.Join(store.AvailableAdapters(), ", "))
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "./topicsync.conf", "path to the server config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

// loadStoreConfig reads the store_config section of the config file.
func loadStoreConfig(cmd *cobra.Command) (json.RawMessage, error) {
	path, _ := cmd.Flags().GetString("config")
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer file.Close()

	var config configType
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(file, &config)
	default:
		err = decodeJSON(file, &config)
	}
	if err != nil {
		return nil, err
	}
	if len(config.StoreConfig) == 0 {
		return nil, fmt.Errorf("config file has no store_config section")
	}
	return config.StoreConfig, nil
}

func decodeJSON(src io.Reader, config *configType) error {
	jr := jcr.New(src)
	if err := json.NewDecoder(jr).Decode(config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return fmt.Errorf("unmarshall error in config file in %s at %d:%d (offset %d bytes): %w",
				jerr.Field, lnum, cnum, jerr.Offset, err)
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return fmt.Errorf("syntax error in config file at %d:%d (offset %d bytes): %w",
				lnum, cnum, jerr.Offset, err)
		default:
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return nil
}

func decodeYAML(src io.Reader, config *configType) error {
	var tree map[string]any
	if err := yaml.NewDecoder(src).Decode(&tree); err != nil && err != io.EOF {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.NewDecoder(bytes.NewReader(raw)).Decode(config)
}
