// Package setup is the interactive account setup form. It collects IMAP
// connection details, stores the password in the system keyring, and
// appends the account to the YAML configuration.
package setup

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
)

// Result is the outcome of a completed setup run.
type Result struct {
	Account model.AccountConfig
}

// form field values (huh binds to these)
type fields struct {
	name      string
	imapHost  string
	imapPort  string
	username  string
	password  string
	tls       bool
	retention string
}

// Run drives the account form to completion and persists the result:
// password into the keyring, everything else into the config file at
// path. It blocks until the form is submitted or aborted.
func Run(path string) (*Result, error) {
	f := fields{tls: true, retention: "30"}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Account Name").
				Description("A label for this mail account").
				Placeholder("Work Mail").
				Value(&f.name).
				Validate(validateRequired("Name")),
			huh.NewInput().
				Title("IMAP Host").
				Description("IMAP server hostname").
				Placeholder("imap.example.com").
				Value(&f.imapHost).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("IMAP Port").
				Description("IMAP server port (e.g., 993)").
				Placeholder("993").
				Value(&f.imapPort).
				Validate(validatePort),
			huh.NewInput().
				Title("Username").
				Description("Mail account username").
				Placeholder("user@example.com").
				Value(&f.username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				Description("Account password or app password").
				EchoMode(huh.EchoModePassword).
				Value(&f.password).
				Validate(validateRequired("Password")),
			huh.NewConfirm().
				Title("Use TLS").
				Description("Implicit TLS; choose No for STARTTLS").
				Affirmative("Yes").
				Negative("No").
				Value(&f.tls),
			huh.NewInput().
				Title("Retention (days)").
				Description("How far back to keep mail locally").
				Placeholder("30").
				Value(&f.retention).
				Validate(validatePort),
		),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}

	retention := 30
	if _, err := fmt.Sscanf(strings.TrimSpace(f.retention), "%d", &retention); err != nil || retention <= 0 {
		retention = 30
	}

	account := model.AccountConfig{
		ID:            uuid.New().String(),
		Name:          f.name,
		IMAPHost:      f.imapHost,
		IMAPPort:      f.imapPort,
		Username:      f.username,
		TLS:           f.tls,
		Enabled:       true,
		RetentionDays: retention,
	}

	if err := credential.StorePassword(account.ID, f.password); err != nil {
		return nil, fmt.Errorf("saving credential: %w", err)
	}

	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.Accounts = append(cfg.Accounts, account)

	if err := model.SaveConfig(path, cfg); err != nil {
		// Config write failed; don't leave an orphan credential behind.
		_ = credential.DeletePassword(account.ID)
		return nil, err
	}

	return &Result{Account: account}, nil
}

// validateRequired rejects blank input.
func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

// validatePort accepts only digits.
func validatePort(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("value is required")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return fmt.Errorf("must be a number")
		}
	}
	return nil
}
