package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fhe-engine/internal/domain"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage FHE key records",
	}
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysActiveCmd())
	cmd.AddCommand(keysRotateCmd())
	cmd.AddCommand(keysPurgeCmd())
	return cmd
}

// keyView は鍵レコードの表示用の形式。鍵のバイト列は出力しない。
type keyView struct {
	ID          string `json:"id"`
	Scheme      string `json:"scheme"`
	Status      string `json:"status"`
	Created     string `json:"created"`
	Expires     string `json:"expires"`
	Compression string `json:"compression"`
	Placeholder bool   `json:"placeholder,omitempty"`
	PublicBytes int    `json:"publicKeyBytes"`
}

func newKeyView(r *domain.KeyRecord) keyView {
	return keyView{
		ID:          r.ID,
		Scheme:      string(r.SchemeType),
		Status:      string(r.Status),
		Created:     r.Created.UTC().Format(time.RFC3339),
		Expires:     r.Expires.UTC().Format(time.RFC3339),
		Compression: string(r.Compression),
		Placeholder: r.Placeholder,
		PublicBytes: len(r.PublicKey),
	}
}

func printKeys(records []*domain.KeyRecord) error {
	views := make([]keyView, len(records))
	for i, r := range records {
		views[i] = newKeyView(r)
	}
	if output == "json" {
		return printJSON(map[string]any{"keys": views})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSCHEME\tSTATUS\tCREATED\tEXPIRES")
	for _, v := range views {
		id := v.ID
		if v.Placeholder {
			id += " (placeholder)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, v.Scheme, v.Status, v.Created, v.Expires)
	}
	return w.Flush()
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored key records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := startApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.Rotation.Records(ctx)
			if err != nil {
				return fmt.Errorf("listing keys: %w", err)
			}
			return printKeys(records)
		},
	}
}

func keysActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the active key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := startApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			record, ok := app.Rotation.ActiveRecord()
			if !ok {
				return fmt.Errorf("no active key")
			}
			if output == "json" {
				return printJSON(newKeyView(record))
			}
			fmt.Println(record.ID)
			return nil
		},
	}
}

func keysRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new key and make it active",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := startApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			previous := app.Rotation.GetActiveKeyID()
			id, err := app.Rotation.RotateKeys(ctx)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(map[string]string{"previous": previous, "active": id})
			}
			fmt.Printf("Rotated keys: %s -> %s\n", previous, id)
			return nil
		},
	}
}

func keysPurgeCmd() *cobra.Command {
	var retired bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired key records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := startApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			purge := app.Rotation.PurgeExpired
			if retired {
				purge = app.Rotation.PurgeRetired
			}
			n, err := purge(ctx)
			if err != nil {
				return fmt.Errorf("purging keys: %w", err)
			}
			if output == "json" {
				return printJSON(map[string]int{"purged": n})
			}
			fmt.Printf("Purged %d key record(s).\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&retired, "retired", false, "Also delete retired keys that have not expired yet")
	return cmd
}
