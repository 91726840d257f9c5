package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tastyrock/negotiator/internal/offerstore"
)

func newOfferCmd(v *viper.Viper) *cobra.Command {
	offerCmd := &cobra.Command{
		Use:   "offer",
		Short: "Inspect stored offers",
	}
	offerCmd.AddCommand(&cobra.Command{
		Use:   "show <offer-id>",
		Short: "Show a stored offer and its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(v)
			if err != nil {
				return err
			}
			base, err := storeURL(cfg.Server)
			if err != nil {
				return err
			}
			offer, err := offerstore.New(base, nil).GetOffer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderOffer(cmd.OutOrStdout(), offer)
			return nil
		},
	})
	return offerCmd
}
