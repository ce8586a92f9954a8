package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/config"
)

// newMintTokenCommand prints a session token for local development and manual websocket testing.
func newMintTokenCommand() *cobra.Command {
	var (
		userID      string
		role        string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Print a signed session token for a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			parsedRole, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user-id is required")
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			token, expiresIn, err := issuer.IssueSessionToken(auth.Principal{
				ID:          strings.TrimSpace(userID),
				DisplayName: strings.TrimSpace(displayName),
				Role:        parsedRole,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Principal identifier")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleStudent), "Principal role (Student, Lecturer, Admin)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Principal display name")
	return cmd
}
