package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/elbader17/quirefdw/pkg/fdwerr"
)

func newTokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Exchange a signed assertion for a bearer token",
		Long:  "Signs an assertion with the configured key, exchanges it and prints the token expiry and a redacted prefix.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.wrapper()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if w.Anonymous() {
				_, _ = fmt.Fprintln(out, "no key configured: public spreadsheets are read anonymously")
				return nil
			}

			tok, err := w.Token(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "type:    %s\n", tok.Type)
			_, _ = fmt.Fprintf(out, "token:   %s\n", fdwerr.Redact(tok.Value))
			_, _ = fmt.Fprintf(out, "expires: %s (in %s)\n",
				tok.Expiry.UTC().Format(time.RFC3339), time.Until(tok.Expiry).Round(time.Second))
			return nil
		},
	}
}
