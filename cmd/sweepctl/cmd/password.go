package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sweepdesk.io/internal/auth"
)

func init() {
	passwordCmd.AddCommand(passwordHashCmd)
	rootCmd.AddCommand(passwordCmd)
}

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Password utilities",
}

var passwordHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Read a password from stdin and print its stored hash",
	Long: `Read one line from stdin and print the argon2id hash in the
format stored in users.password_hash.

Example:
  printf '%s' "$PASSWORD" | sweepctl password hash`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.New("no password on stdin")
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return errors.New("empty password")
		}
		hash, err := auth.NewPasswordHasher(auth.Argon2Params{}).Hash(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}
