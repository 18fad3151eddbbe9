package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "figaro",
	Short: "Branching chat client for streamed LLM completions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"))
	},
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	flags.String("db", "", "SQLite database path (empty keeps conversations in memory)")
	flags.String("openai-api-key", "", "OpenAI API key")
	flags.String("openai-base-url", "", "Override the OpenAI API base URL")
	flags.String("model", "gpt-4o-mini", "Model to use for completions")
	flags.String("system", "", "System prompt prepended to every request")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("FIGARO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
}

func apiKey() string {
	if key := viper.GetString("openai-api-key"); key != "" {
		return key
	}
	return os.Getenv("OPENAI_API_KEY")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
