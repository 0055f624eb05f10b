package commands

import (
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicegate/internal/app"
)

var (
	envFile   string
	bindAddr  string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "voicegate",
	Short: "Streaming speech gateway",
	Long: `voicegate accepts client websockets and relays them to speech providers.

The STT gateway takes 16 kHz PCM16 audio frames and returns transcripts.
The TTS gateway takes JSON synthesis requests and streams PCM16 audio back.
Providers, adapter scope and the synthesis cache are configured through the
environment (or an .env file).

Examples:
  voicegate tts
  voicegate all --addr :9000 --log-format console
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var sttCmd = &cobra.Command{
	Use:   "stt",
	Short: "Run the speech-to-text gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), app.Services{STT: true})
	},
}

var ttsCmd = &cobra.Command{
	Use:   "tts",
	Short: "Run the text-to-speech gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), app.Services{TTS: true})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run both gateways on one listener",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), app.Services{STT: true, TTS: true})
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&bindAddr, "addr", "", "listen address (overrides BIND_ADDR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "json or console (overrides LOG_FORMAT)")

	rootCmd.AddCommand(sttCmd)
	rootCmd.AddCommand(ttsCmd)
	rootCmd.AddCommand(allCmd)
}
