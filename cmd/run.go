package cmd

import (
	"log"

	"github.com/RainyN0077/Discord-LLMs-ChatBot/chatbot"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Discord bot and management API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := chatbot.New(ctx, cfg)
			if err != nil {
				log.Fatalf("error creating chatbot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running chatbot: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
