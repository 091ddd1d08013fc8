// Copyright 2025 Tom Barlow
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

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tombee/warden/internal/commands/shared"
)

const docsBaseURL = "https://tombee.github.io/warden"

// CommandMetadata describes one command for machine-readable help.
type CommandMetadata struct {
	Name        string         `json:"name"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Flags       []FlagMetadata `json:"flags,omitempty"`
	Examples    string         `json:"examples,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
	Group       string         `json:"group,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
}

// FlagMetadata describes one flag for machine-readable help.
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required"`
}

// HelpResponse is the JSON response for the help command.
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Command     *CommandMetadata  `json:"command,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
	DocsURL     string            `json:"docs_url"`
}

// NewHelpCommand creates the help command.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help provides detailed information about commands and their usage.

Run 'warden help' to see all available commands.
Run 'warden help <command>' to see detailed help for a specific command.
Use the --json flag for machine-readable output suitable for scripting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			useJSON := shared.GetJSON() || jsonOutput

			if len(args) == 0 {
				if useJSON {
					return emitHelpJSON(cmd.OutOrStdout(), HelpResponse{
						JSONResponse: shared.JSONResponse{
							Version: "1.0",
							Command: "help",
							Success: true,
						},
						Commands:    listCommandMetadata(rootCmd),
						GlobalFlags: extractGlobalFlags(rootCmd),
						DocsURL:     docsBaseURL + "/reference/cli/",
					})
				}
				return rootCmd.Help()
			}

			targetCmd, _, err := rootCmd.Find(args)
			if err != nil {
				return fmt.Errorf("command %q not found", args[0])
			}

			if useJSON {
				metadata := extractCommandMetadata(targetCmd)
				return emitHelpJSON(cmd.OutOrStdout(), HelpResponse{
					JSONResponse: shared.JSONResponse{
						Version: "1.0",
						Command: "help " + targetCmd.Name(),
						Success: true,
					},
					Command:     &metadata,
					GlobalFlags: extractGlobalFlags(rootCmd),
					DocsURL:     docsBaseURL + "/reference/cli/",
				})
			}
			return targetCmd.Help()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func emitHelpJSON(out io.Writer, resp HelpResponse) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}

// listCommandMetadata collects the visible commands grouped and sorted so
// related commands appear together regardless of registration order.
func listCommandMetadata(rootCmd *cobra.Command) []CommandMetadata {
	commands := []CommandMetadata{}
	for _, c := range rootCmd.Commands() {
		if c.Hidden {
			continue
		}
		commands = append(commands, extractCommandMetadata(c))
	}
	sort.SliceStable(commands, func(i, j int) bool {
		if commands[i].Group != commands[j].Group {
			return commands[i].Group < commands[j].Group
		}
		return commands[i].Name < commands[j].Name
	})
	return commands
}

// extractCommandMetadata extracts metadata from a cobra command.
func extractCommandMetadata(cmd *cobra.Command) CommandMetadata {
	metadata := CommandMetadata{
		Name:     cmd.Name(),
		Short:    cmd.Short,
		Long:     cmd.Long,
		Usage:    cmd.UseLine(),
		Examples: cmd.Example,
		Aliases:  cmd.Aliases,
		Group:    cmd.Annotations["group"],
		Flags:    visibleFlags(cmd.Flags()),
	}

	subcommands := []string{}
	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			subcommands = append(subcommands, sub.Name())
		}
	}
	if len(subcommands) > 0 {
		metadata.Subcommands = subcommands
	}

	return metadata
}

// extractGlobalFlags extracts the persistent flags every command inherits.
func extractGlobalFlags(rootCmd *cobra.Command) []FlagMetadata {
	return visibleFlags(rootCmd.PersistentFlags())
}

func visibleFlags(set *pflag.FlagSet) []FlagMetadata {
	flags := []FlagMetadata{}
	set.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden {
			return
		}
		flags = append(flags, FlagMetadata{
			Name:      flag.Name,
			Shorthand: flag.Shorthand,
			Usage:     flag.Usage,
			Default:   flag.DefValue,
		})
	})
	return flags
}
