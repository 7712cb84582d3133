package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sudooom.im.inbox/internal/client"
	"sudooom.im.inbox/internal/config"
)

var (
	serverURL string
	token     string
	actAs     string
	output    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "inboxctl",
	Short: "Command line client for the inbox service",
	Long: `inboxctl sends messages, lists conversations, marks them read and
tails the realtime event stream of an inbox service.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", config.GetEnv("INBOX_SERVER", "http://localhost:8090"), "inbox service base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", config.GetEnv("INBOX_TOKEN", ""), "bearer token")
	rootCmd.PersistentFlags().StringVar(&actAs, "as", "", "act on behalf of this viewer (admin tokens only)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "yaml", "output format: yaml | json")
}

func newClient() (*client.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: pass --token or set INBOX_TOKEN")
	}
	return client.New(serverURL, token, actAs), nil
}
