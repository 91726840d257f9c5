// Package cli implements the negotiator terminal client.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tastyrock/negotiator/internal/domain"
)

const envPrefix = "NEGOTIATOR"

// settings is the resolved flag, env and default configuration.
type settings struct {
	Server  string
	Buyer   string
	Trader  string
	Role    domain.Role
	Verbose bool
}

// NewRootCmd builds the negotiator command tree. Flags can also be set
// through NEGOTIATOR_* environment variables.
func NewRootCmd() *cobra.Command {
	return newRootCmd(viper.New())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "negotiator",
		Short: "Negotiate a trade offer from the terminal",
		Long: `Negotiator joins a buyer/trader room and drives the offer from typed
commands: add items, price them, send, accept and pay.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("server", "http://localhost:8080", "negotiation server base URL")
	flags.String("buyer", "", "buyer id of the room")
	flags.String("trader", "", "trader id of the room")
	flags.String("role", string(domain.RoleBuyer), "your role in the room (buyer or trader)")
	flags.BoolP("verbose", "v", false, "log protocol activity to stderr")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newJoinCmd(v), newOfferCmd(v))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func loadSettings(v *viper.Viper) (settings, error) {
	role, err := domain.ParseRole(strings.ToLower(strings.TrimSpace(v.GetString("role"))))
	if err != nil {
		return settings{}, err
	}
	s := settings{
		Server:  strings.TrimRight(strings.TrimSpace(v.GetString("server")), "/"),
		Buyer:   strings.TrimSpace(v.GetString("buyer")),
		Trader:  strings.TrimSpace(v.GetString("trader")),
		Role:    role,
		Verbose: v.GetBool("verbose"),
	}
	if s.Server == "" {
		return settings{}, fmt.Errorf("--server is required")
	}
	return s, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// roomURL derives the websocket room endpoint from the server base URL.
func roomURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat"
	u.RawQuery = ""
	return u.String(), nil
}

// storeURL derives the offer store base URL from the server base URL.
func storeURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}
