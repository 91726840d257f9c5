package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/negotiation"
	"github.com/tastyrock/negotiator/internal/offerstore"
)

const dialTimeout = 10 * time.Second

func newJoinCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Join a negotiation room",
		Long: `Join the room of --buyer and --trader as --role and read commands from stdin.
Type "help" for the command list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(v)
			if err != nil {
				return err
			}
			return runJoin(cmd, cfg)
		},
	}
}

func runJoin(cmd *cobra.Command, cfg settings) error {
	wsURL, err := roomURL(cfg.Server)
	if err != nil {
		return err
	}
	httpURL, err := storeURL(cfg.Server)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p := newPrinter(out)
	sess, err := negotiation.NewSession(negotiation.Options{
		URL:         wsURL,
		Room:        domain.RoomID{BuyerID: cfg.Buyer, TraderID: cfg.Trader},
		Role:        cfg.Role,
		Store:       offerstore.New(httpURL, nil),
		DialTimeout: dialTimeout,
		Logger:      newLogger(cmd.ErrOrStderr(), cfg.Verbose),
		OnChange:    p.update,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	fmt.Fprintf(out, "Joined room %s/%s as %s. Type \"help\" for commands.\n", cfg.Buyer, cfg.Trader, cfg.Role.Label())

	return newREPL(sess, out).run(ctx, cmd.InOrStdin())
}
