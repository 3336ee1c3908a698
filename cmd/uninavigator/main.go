package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"UniNavigator/internal/backend"
	"UniNavigator/internal/chatbot"
	"UniNavigator/internal/config"
)

type rootFlags struct {
	configPath string
	debug      bool
	storage    string
	transport  string
	ephemeral  bool
	noStream   bool
}

func (f *rootFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = f.debug
	}
	if f.storage != "" {
		cfg.Storage.Backend = f.storage
	}
	if f.ephemeral {
		cfg.Storage.Backend = "memory"
	}
	if f.transport != "" {
		cfg.Transport = f.transport
	}
	if f.noStream {
		cfg.Stream = false
	}
	return cfg, cfg.Validate()
}

func (f *rootFlags) withBot(cmd *cobra.Command, fn func(ctx context.Context, bot *chatbot.ChatBot) error) error {
	cfg, err := f.load(cmd)
	if err != nil {
		return err
	}
	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	defer bot.Close()

	if err := fn(cmd.Context(), bot); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return errors.New(chatbot.UserMessage(err))
	}
	return nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "uninavigator",
		Short:         "Chat with the university admissions assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := flags.withBot(cmd, func(ctx context.Context, bot *chatbot.ChatBot) error {
				return bot.Run(ctx)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to the YAML config file (default uninavigator.yaml)")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&flags.storage, "storage", "", "Storage backend (sqlite|bolt|redis|memory)")
	pf.StringVar(&flags.transport, "transport", "", "Streaming transport (http|ws)")
	pf.BoolVar(&flags.ephemeral, "ephemeral", false, "Keep conversations in memory only")
	pf.BoolVar(&flags.noStream, "no-stream", false, "Wait for complete replies instead of streaming")

	rootCmd.AddCommand(
		newEligibilityCmd(flags),
		newDistrictsCmd(flags),
		newConversationsCmd(flags),
	)
	return rootCmd
}

func newEligibilityCmd(flags *rootFlags) *cobra.Command {
	var (
		score    float64
		district string
		year     int
	)
	cmd := &cobra.Command{
		Use:   "eligibility",
		Short: "List the courses a z-score qualifies for",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := chatbot.ValidateZScore(score); err != nil {
				return errors.New(chatbot.UserMessage(err))
			}
			return flags.withBot(cmd, func(ctx context.Context, bot *chatbot.ChatBot) error {
				return bot.Eligibility(ctx, backend.EligibilityRequest{
					ZScore:   score,
					District: district,
					Year:     year,
				})
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "Z-score (0 to 4)")
	cmd.Flags().StringVar(&district, "district", "", "Administrative district")
	cmd.Flags().IntVar(&year, "year", 0, "Admission year (default: latest)")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func newDistrictsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "districts",
		Short: "List the districts known to the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withBot(cmd, func(ctx context.Context, bot *chatbot.ChatBot) error {
				return bot.Districts(ctx)
			})
		},
	}
}

func newConversationsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List saved conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withBot(cmd, func(ctx context.Context, bot *chatbot.ChatBot) error {
				bot.Conversations(ctx)
				return nil
			})
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// restore default handling so a second Ctrl-C kills the process
	context.AfterFunc(ctx, stop)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
