package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var (
	scrapeRender bool
	scrapeJSON   bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape <url> [url...]",
	Short: "Scrape one or more URLs to markdown",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp()
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) > 1 {
			docs := env.Orchestrator.ScrapeAll(cmd.Context(), args, scrapeRender, cfg.Batch.MaxConcurrent)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(docs)
		}

		doc, err := env.Orchestrator.Scrape(cmd.Context(), args[0], scrapeRender)
		if err != nil {
			return err
		}

		if scrapeJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}

		cmd.Println(doc.Markdown)
		return nil
	},
}

func init() {
	scrapeCmd.Flags().BoolVar(&scrapeRender, "render", false, "force the headless browser")
	scrapeCmd.Flags().BoolVar(&scrapeJSON, "json", false, "print the document as JSON")
	rootCmd.AddCommand(scrapeCmd)
}
