package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"sitekeeper/admin-service/internal/auth"
	"sitekeeper/admin-service/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var useraddPasskeyOnly bool

var useraddCmd = &cobra.Command{
	Use:   "useradd <username>",
	Short: "Provision an admin user",
	Long: `Creates an admin user. The password is prompted for on a terminal or
read from the first line of stdin when piped. With --passkey-only no
password is set and the user enrols a first passkey through bootstrap
registration.`,
	Args: cobra.ExactArgs(1),
	RunE: runUseradd,
}

func init() {
	useraddCmd.Flags().BoolVar(&useraddPasskeyOnly, "passkey-only", false, "create the user without a password")
}

// readPassword is a seam for term.ReadPassword.
var readPassword = term.ReadPassword

func runUseradd(cmd *cobra.Command, args []string) error {
	username := strings.TrimSpace(args[0])
	if username == "" {
		return errors.New("username required")
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging.Level)

	var hash string
	if !useraddPasskeyOnly {
		pw, err := promptPassword(cmd.ErrOrStderr(), os.Stdin)
		if err != nil {
			return err
		}
		passwords, err := auth.NewPasswords(cfg.Auth.BcryptCost)
		if err != nil {
			return err
		}
		if hash, err = passwords.Hash(pw); err != nil {
			return err
		}
	}

	users, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer users.Close()

	err = users.Create(cmd.Context(), &store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	})
	if errors.Is(err, store.ErrUsernameTaken) {
		return fmt.Errorf("user %q already exists", username)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created user %s\n", username)
	return nil
}

// promptPassword reads without echo from a terminal, otherwise one line
// from in.
func promptPassword(w io.Writer, in *os.File) (string, error) {
	var pw string
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(w, "Password: ")
		b, err := readPassword(int(in.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		pw = string(b)
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}
