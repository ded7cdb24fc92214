// Command chatwatch is a terminal chat client for the marketplace chat API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketplace-chat/internal/chatclient"
	"marketplace-chat/internal/domain"
	"marketplace-chat/internal/eventbus"
	"marketplace-chat/internal/integrations/chatapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatwatch",
	Short: "Interactive terminal client for marketplace chat",
	Long: `chatwatch keeps a conversation list, an unread badge and any number of
chat windows in sync with the chat API by polling.

Type /help for commands. Any other line is sent to the active window.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLog(viper.GetString("log-level"))

		layout, ok := chatclient.ParseLayout(viper.GetString("layout"))
		if !ok {
			return fmt.Errorf("unknown layout %q (want narrow or wide)", viper.GetString("layout"))
		}

		api, err := chatapi.NewClient(viper.GetString("api-url"), viper.GetString("token"))
		if err != nil {
			return err
		}

		bus := eventbus.New[domain.OpenChatRequest]("open-chat")
		in := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		out := newRenderer(cmd.OutOrStdout())

		ctrl, err := chatclient.NewController(api,
			chatclient.WithLayout(layout),
			chatclient.WithEventBus(bus),
			chatclient.WithCallTimeout(viper.GetDuration("call-timeout")),
			chatclient.WithConfirmer(in.confirmDiscard),
			chatclient.WithOnChange(out.render),
		)
		if err != nil {
			return err
		}
		ctrl.Start()
		defer ctrl.Close()

		s := &session{ctrl: ctrl, bus: bus, in: in, out: out}
		return s.run(cmd.Context())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("api-url", "",
		"Base URL of the chat API")
	viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))

	rootCmd.PersistentFlags().String("token", "",
		"Bearer token of the signed-in user")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("layout", "narrow",
		"Window layout: narrow keeps one chat expanded, wide stacks them")
	viper.BindPFlag("layout", rootCmd.PersistentFlags().Lookup("layout"))

	rootCmd.PersistentFlags().StringP("log-level", "v", "warn",
		"Log level (debug, info, warn, error)")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().Duration("call-timeout", 5*time.Second,
		"Timeout for each API call")
	viper.BindPFlag("call-timeout", rootCmd.PersistentFlags().Lookup("call-timeout"))

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Optional config file (yaml, json or toml) holding the flags above")
}

var cfgFile string

// initConfig lets CHATWATCH_API_URL, CHATWATCH_TOKEN and friends, or a
// config file, stand in for flags.
func initConfig() {
	viper.SetEnvPrefix("chatwatch")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot read config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

func initLog(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
