package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/chatrelay/internal/config"
)

var revealSecrets bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	configListCmd.Flags().BoolVar(&revealSecrets, "reveal", false, "show secret values such as connection.token")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change relay settings",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every setting with its effective value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), !revealSecrets)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		printValues(cmd.OutOrStdout(), values)
		return nil
	},
}

// printValues writes key = value lines sorted by key.
func printValues(w io.Writer, values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, values[k])
	}
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting as stored in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in the config file",
	Long: `Change one setting in the config file.

The key must be one listed by "config list". The value is parsed as the
setting's type and the whole config is validated before it is written, so
a typo or an unusable value leaves the file unchanged. A running relay picks
up the change after "chatrelay restart".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		prev, _ := config.GetValue(cfgPath, key)
		if err := config.SetValue(cfgPath, key, raw); err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", key)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s (was %v)\n", key, raw, prev)
		return nil
	},
}
