package cmd

import (
	"errors"
	"fmt"

	"github.com/insurepro/apiserver/config"
	"github.com/insurepro/apiserver/internal/db"
	"github.com/insurepro/apiserver/internal/notify"
	"github.com/insurepro/apiserver/internal/services"
	"github.com/insurepro/apiserver/internal/store"
	"github.com/spf13/cobra"
)

var (
	adminEmail    string
	adminName     string
	adminPassword string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage administrator accounts",
}

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an administrator, or promote an existing account",
	Long: `Creates an administrator account. If the email is already registered the
account is promoted and its password replaced. Usage:

	insurepro admin create --email ops@example.com --name Ops --password ...
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminEmail == "" || adminPassword == "" {
			return errors.New("--email and --password are required")
		}
		if adminName == "" {
			adminName = "Administrator"
		}

		cfg := config.LoadConfig()
		dbConn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer dbConn.Close()

		accounts := services.NewAccountService(store.NewAccountRepository(dbConn), notify.LogListener{})
		account, err := accounts.CreateAdmin(cmd.Context(), services.RegisterInput{
			Email:    adminEmail,
			Name:     adminName,
			Password: adminPassword,
		})
		if err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "admin account %d ready: %s\n", account.ID, account.Email)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCreateCmd.Flags().StringVar(&adminEmail, "email", "", "administrator email")
	adminCreateCmd.Flags().StringVar(&adminName, "name", "", "display name")
	adminCreateCmd.Flags().StringVar(&adminPassword, "password", "", "password (at least 8 characters)")
	adminCmd.AddCommand(adminCreateCmd)
}
