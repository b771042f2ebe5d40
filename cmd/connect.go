// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"cellrun/cli/internal/config"
	"cellrun/cli/internal/driver"
	"cellrun/cli/internal/dsn"
	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/neterrors"
	"cellrun/cli/internal/terminal"
)

var (
	connectDriver        string
	connectDSN           string
	connectPasswordStdin bool
	connectAskPassword   bool
	connectSkipVerify    bool
)

// staticPassword serves one known password during verification.
type staticPassword string

func (p staticPassword) LoadConnectionPassword(string) (string, error) { return string(p), nil }

// connectCmd verifies a database connection and saves it under a name cells
// can refer to.
var connectCmd = &cobra.Command{
	Use:   "connect <name>",
	Short: "Verify and save a named database connection",
	Long: `The connect command verifies a database connection and saves it in the config
file under <name>, which SQL cells reference through sql.connection.

With --password-stdin or --ask-password the password is stored in the OS
keychain and the DSN in the config file stays password-less.

Example DSN formats:
  postgres://user@host:5432/database?sslmode=disable
  sqlite:///path/to/file.db`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.TrimSpace(args[0])
		raw := strings.TrimSpace(connectDSN)
		if raw == "" && terminal.IsInteractive() {
			prompt := "Enter DSN (e.g., postgres://user@host:5432/db?sslmode=disable): "
			fmt.Print(prompt)
			line, err := terminal.ReadLine(os.Stdin)
			if err != nil {
				return err
			}
			raw = strings.TrimSpace(line)
			terminal.ClearPreviousLines(len(prompt) + len(raw))
		}
		if raw == "" {
			return errors.New("a DSN is required (--dsn)")
		}
		if _, err := dsn.Parse(raw); err != nil {
			var pe *dsn.ParseError
			if errors.As(err, &pe) {
				pterm.Error.Println(pe.Error())
			}
			return err
		}

		password := ""
		switch {
		case connectPasswordStdin:
			line, err := terminal.ReadLine(os.Stdin)
			if err != nil {
				return err
			}
			password = line
		case connectAskPassword:
			pw, err := terminal.ReadSecret("Password: ")
			if err != nil {
				return err
			}
			password = pw
		}

		conn := config.Connection{
			Name:     name,
			Driver:   connectDriver,
			DSN:      raw,
			Keychain: password != "",
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if !connectSkipVerify {
			stop := startInlineSpinner(cmd.ErrOrStderr(), "verifying connection", []string{"-", "\\", "|", "/"}, 100*time.Millisecond)
			err := verifyConnection(cmd.Context(), conn, password, a)
			stop()
			if err != nil {
				pterm.Error.Println("Connection failed: " + logging.PresentError("", err))
				if steps := neterrors.Steps(neterrors.Classify(err), name); len(steps) > 0 {
					items := make([]pterm.BulletListItem, len(steps))
					for i, s := range steps {
						items[i] = pterm.BulletListItem{Level: 1, Text: s}
					}
					_ = pterm.DefaultBulletList.WithItems(items).Render()
				}
				return err
			}
		}

		if password != "" {
			km := a.keychain()
			if km == nil {
				return errors.New("secure storage is not available on this system; put the password in the DSN instead")
			}
			if err := km.SaveConnectionPassword(name, password); err != nil {
				return fmt.Errorf("save password to keychain: %w", err)
			}
		}

		a.cfg.UpsertConnection(conn)
		if err := config.Save(a.cfg); err != nil {
			return err
		}
		pterm.Success.Printf("Connection %q saved\n", name)
		return nil
	},
}

func verifyConnection(ctx context.Context, conn config.Connection, password string, a *app) error {
	var pw driver.PasswordSource
	if password != "" {
		pw = staticPassword(password)
	}
	reg := driver.NewRegistry([]config.Connection{conn}, pw, a.log)
	drv, err := reg.Open(conn.Name)
	if err != nil {
		return err
	}
	defer drv.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := drv.Connect(ctx); err != nil {
		return err
	}
	_, err = drv.RequestSQL(ctx, driver.Request{SQL: "SELECT 1"})
	return err
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().StringVar(&connectDriver, "driver", "", "Driver: postgres or sqlite (detected from the DSN when empty)")
	connectCmd.Flags().StringVar(&connectDSN, "dsn", "", "Connection string")
	connectCmd.Flags().BoolVar(&connectPasswordStdin, "password-stdin", false, "Read the password from stdin and store it in the keychain")
	connectCmd.Flags().BoolVar(&connectAskPassword, "ask-password", false, "Prompt for the password and store it in the keychain")
	connectCmd.Flags().BoolVar(&connectSkipVerify, "no-verify", false, "Save without testing the connection")
}
