package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"pixrelay/internal/domain"
	"pixrelay/internal/guard"
	"pixrelay/internal/repository"
)

var referenceCmd = &cobra.Command{
	Use:   "reference <externalReference>",
	Short: "Show whether an externalReference was already forwarded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)

		store, err := repository.NewReferenceStore(ctx, a.cfg.Store, a.log)
		if err != nil {
			return err
		}
		defer store.Close()

		g := guard.New(store, a.cfg.Guard, a.log, nil)
		status, err := g.Status(ctx, args[0])
		if err != nil {
			return err
		}

		state := string(status)
		if status == domain.ReferenceUnknown {
			state = "unknown"
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"externalReference": args[0],
			"status":            state,
			"processed":         status == domain.ReferenceProcessed,
		})
	},
}
