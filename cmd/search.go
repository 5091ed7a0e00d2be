package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var searchJSON bool

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a web search and print the results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp()
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.Dispatcher.Search(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if searchJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}

		for i, res := range results {
			cmd.Printf("%d. %s\n   %s\n", i+1, res.Title, res.URL)
			if res.Snippet != "" {
				cmd.Printf("   %s\n", res.Snippet)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(searchCmd)
}
