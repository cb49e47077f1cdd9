package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatrelay/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		out := cmd.OutOrStdout()
		runSetup(bufio.NewScanner(os.Stdin), out, cfg)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Configuration saved to", cfgPath)
		return nil
	},
}

func runSetup(scanner *bufio.Scanner, out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "chatrelay setup")
	fmt.Fprintln(out, "Press Enter to accept the default value shown in brackets.")
	fmt.Fprintln(out)

	cfg.Connection.BackendURL = strings.TrimRight(prompt(scanner, out, "Web-chat backend URL", cfg.Connection.BackendURL), "/")
	cfg.Connection.WSURL = prompt(scanner, out, "Bot router websocket URL", cfg.Connection.WSURL)
	cfg.Connection.Token = prompt(scanner, out, "Router token (optional)", cfg.Connection.Token)
	cfg.Adapter.PlatformID = prompt(scanner, out, "Platform id", cfg.Adapter.PlatformID)

	interval := prompt(scanner, out, "Poll interval in seconds", strconv.FormatFloat(cfg.Adapter.PollInterval, 'f', -1, 64))
	if v, err := strconv.ParseFloat(interval, 64); err == nil && v > 0 {
		cfg.Adapter.PollInterval = v
	}
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, out io.Writer, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
