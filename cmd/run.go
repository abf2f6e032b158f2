package cmd

import (
	"log"

	"github.com/guildxp/guildxp/guildxp"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the GuildXP bot and (optionally) the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := guildxp.New(cfg)
			if err != nil {
				log.Fatalf("error creating guildxp: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running guildxp: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
