// Copyright 2025 TableFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tablefs/internal/mapping"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, commit: %s)", version, buildDate, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "tablefs",
	Short: "Serve relational database rows as files",
	Long: `tablefs exposes rows and columns of a SQLite database as files over a
local NFS mount, so file-oriented tools can read and edit database
content without SQL. Which statement runs for which filesystem
operation is configured per namespace.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("tablefs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadMappingSet loads and validates a config file. A relative
// database path is taken relative to the config file's directory, so a
// config travels with its database.
func loadMappingSet(configPath string) (*mapping.MappingSet, error) {
	set, err := mapping.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(set.Database) {
		abs, err := filepath.Abs(filepath.Join(filepath.Dir(configPath), set.Database))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		set.Database = abs
	}
	return set, nil
}
