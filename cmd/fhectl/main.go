// Package main はCLIツールのエントリポイント。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fhe-engine/config"
	"fhe-engine/internal/bootstrap"
	"fhe-engine/internal/engine"
	"fhe-engine/internal/infra"
)

const version = "1.0.0"

var output string

func main() {
	rootCmd := &cobra.Command{
		Use:           "fhectl",
		Short:         "FHE engine and key rotation CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")

	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(paramsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fhectl version %s (%s)\n", version, engine.Lattigo().Name())
		},
	}
}

// loadConfig は .env と環境変数から設定を読み込み、ログを標準エラーに出す。
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	infra.SetupLogger(cfg, os.Stderr)
	return cfg, nil
}

// startApp はコンポーネントを組み立て、有効な鍵を用意する。
func startApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
