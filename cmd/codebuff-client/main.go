// Package main is the reference CLI client for the agent runtime. It
// sends one prompt over the websocket, streams the response to stdout,
// and serves the server's tool-call and read-files requests against
// the local project directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var (
		serverURL   string
		authToken   string
		sessionPath string
		projectRoot string
	)

	rootCmd := &cobra.Command{
		Use:           "codebuff-client [prompt]",
		Short:         "Send a prompt to the agent runtime",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := args[0]
			for _, extra := range args[1:] {
				prompt += " " + extra
			}
			client := &client{
				serverURL:   serverURL,
				authToken:   authToken,
				sessionPath: sessionPath,
				root:        projectRoot,
			}
			return client.runPrompt(cmd.Context(), prompt)
		},
	}
	rootCmd.Flags().StringVar(&serverURL, "server", "ws://localhost:4242/ws", "Server websocket URL")
	rootCmd.Flags().StringVar(&authToken, "token", os.Getenv("CODEBUFF_AUTH_TOKEN"), "Auth token")
	rootCmd.Flags().StringVar(&sessionPath, "session", ".codebuff-session.json", "Session state file")
	rootCmd.Flags().StringVar(&projectRoot, "root", ".", "Project root directory")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("codebuff-client", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
