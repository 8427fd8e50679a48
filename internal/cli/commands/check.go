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
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check <config>",
	Short: "Validate a mapping configuration",
	Long: `Loads and validates a mapping configuration without opening the
database, then prints the namespaces and the operations each one
supports. Exits non-zero if the configuration is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	set, err := loadMappingSet(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s\n", set.Database)
	fmt.Printf("Listen:   %s\n", set.Listen)
	if set.ReadOnly {
		fmt.Println("Mode:     read-only")
	}
	fmt.Println()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tTABLE\tOPERATIONS")
	for _, name := range set.Names() {
		ns, _ := set.Namespace(name)
		ops := make([]string, 0, len(ns.Operations()))
		for _, op := range ns.Operations() {
			ops = append(ops, string(op))
		}
		table := ns.Table
		if ns.ReadOnly {
			table += " (read-only)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, table, strings.Join(ops, ", "))
	}
	return w.Flush()
}
