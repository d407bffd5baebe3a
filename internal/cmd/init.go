package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wispchat/wisp/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with a freshly generated JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "wispd.json"
			}
			force, _ := cmd.Flags().GetBool("force")
			return writeStarterConfig(output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./wispd.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeStarterConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := &config.Config{}
	cfg.Server.Addr = ":8080"
	cfg.Auth.JWTSecret = secret
	cfg.Auth.InitialAdmin = &config.InitialAdmin{Username: "admin", Password: "change-me"}
	cfg.WeChat.AppID = "wx_your_app_id"
	cfg.WeChat.AppSecret = "your_app_secret"
	cfg.WeChat.Token = "your_portal_token"
	// Placeholder key with the right shape; replace with the value from the
	// platform console.
	cfg.WeChat.EncodingAESKey = "0000000000000000000000000000000000000000000"
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "wisp.db"
	cfg.ApplyDefaults()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Println("fill in the wechat section with your official-account credentials before running")
	return nil
}
