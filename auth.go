package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/thumbphoto/internal/graph"
)

var errNotSignedIn = errors.New("not signed in: run 'thumbphoto login' first")

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the directory",
		Long: "Sign in with the configured flow (system browser or device code) and\n" +
			"confirm the signed-in principal with the directory.",
		RunE: runLogin,
	}

	cmd.Flags().Bool("force", false, "sign out of any cached account first")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove cached credentials",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in principal",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	cc.Logger.Info("login started",
		slog.String("tenant", cc.Cfg.TenantID),
		slog.String("backend", cc.Cfg.AuthBackend),
	)

	if force && s.restored {
		if err := s.tokens.SignOut(ctx); err != nil {
			return fmt.Errorf("signing out cached account: %w", err)
		}

		s.resolver.Invalidate()
	}

	if _, err := s.tokens.Acquire(ctx); err != nil {
		return err
	}

	p, err := s.resolveSelf(ctx)
	if err != nil {
		return fmt.Errorf("confirming sign-in: %w", err)
	}

	cc.Logger.Info("login successful", slog.String("principal", p.UserPrincipalName))
	cc.Statusf("Signed in as %s.\n", p.UserPrincipalName)

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	if !s.restored {
		cc.Statusf("Not signed in.\n")
		return nil
	}

	if err := s.tokens.SignOut(ctx); err != nil {
		return err
	}

	s.resolver.Invalidate()

	cc.Logger.Info("logout successful", slog.String("tenant", cc.Cfg.TenantID))
	cc.Statusf("Signed out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	ObjectID          string `json:"object_id"`
	UserPrincipalName string `json:"user_principal_name"`
	DisplayName       string `json:"display_name,omitempty"`
	Mail              string `json:"mail,omitempty"`
	Tenant            string `json:"tenant"`
	Backend           string `json:"backend"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	// whoami never prompts: it reports, it does not sign in.
	if !s.restored {
		return errNotSignedIn
	}

	p, err := s.resolveSelf(ctx)
	if err != nil {
		return fmt.Errorf("fetching principal: %w", err)
	}

	out := whoamiOutput{
		ObjectID:          p.ObjectID,
		UserPrincipalName: p.UserPrincipalName,
		DisplayName:       p.DisplayName,
		Mail:              p.Mail,
		Tenant:            cc.Cfg.TenantID,
		Backend:           cc.Cfg.AuthBackend,
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	printWhoamiText(cmd.OutOrStdout(), p, out)

	return nil
}

func printWhoamiText(w io.Writer, p graph.Principal, out whoamiOutput) {
	if p.DisplayName != "" {
		fmt.Fprintf(w, "User:      %s (%s)\n", p.DisplayName, p.UserPrincipalName)
	} else {
		fmt.Fprintf(w, "User:      %s\n", p.UserPrincipalName)
	}

	if p.Mail != "" {
		fmt.Fprintf(w, "Mail:      %s\n", p.Mail)
	}

	if p.ObjectID != "" {
		fmt.Fprintf(w, "Object ID: %s\n", p.ObjectID)
	}

	fmt.Fprintf(w, "Tenant:    %s\n", out.Tenant)
	fmt.Fprintf(w, "Backend:   %s\n", out.Backend)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
