package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kumo/internal/logging"
	"kumo/internal/migration"
)

var (
	submitFile       string
	submitServerAddr string
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit [migration file]",
	Short: "Submit a migration to the kumo server",
	Long:  `Validate a migration document locally and POST it to the intake of a running kumo server.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if submitFile == "" {
			if len(args) > 0 {
				submitFile = args[0]
			} else {
				logging.Logger().Fatal("Migration file is required")
			}
		}

		submitMigration(submitServerAddr, submitFile)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Path to migration YAML or JSON file")
	submitCmd.Flags().StringVarP(&submitServerAddr, "server", "s", "http://localhost:8080", "Server URL")
}

func submitMigration(serverAddr, file string) {
	spec, err := migration.LoadSpec(file)
	if err != nil {
		logging.Logger().Fatal("Failed to load migration", zap.String("file", file), zap.Error(err))
	}
	body, err := json.Marshal(spec)
	if err != nil {
		logging.Logger().Fatal("Failed to encode migration", zap.Error(err))
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil

	req, err := retryablehttp.NewRequest(http.MethodPost, strings.TrimRight(serverAddr, "/")+"/migrate", bytes.NewReader(body))
	if err != nil {
		logging.Logger().Fatal("Failed to build request", zap.Error(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		logging.Logger().Fatal("Could not submit migration", zap.Error(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logging.Logger().Fatal("Server rejected migration",
			zap.Int("status", resp.StatusCode),
			zap.String("response", strings.TrimSpace(string(msg))))
	}

	fmt.Printf("Migration of %s submitted successfully.\n", spec.VirtualMachine)
	if loc := resp.Header.Get("Location"); loc != "" {
		fmt.Printf("Status: %s\n", loc)
	}
}
