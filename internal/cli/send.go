package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/courier/internal/core/config"
)

var sendBody string

var sendCmd = &cobra.Command{
	Use:   "send [method] [path]",
	Short: "Submit one request to a running courier instance",
	Args:  cobra.ExactArgs(2),
	Run:   runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendBody, "body", "", "JSON body to relay")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	payload := map[string]any{
		"method": strings.ToUpper(args[0]),
		"path":   args[1],
	}
	if sendBody != "" {
		payload["body"] = json.RawMessage(sendBody)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode request", "error", err)
		os.Exit(1)
	}

	url := fmt.Sprintf("http://localhost:%d/v1/requests", cfg.Server.Port)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		slog.Error("Failed to reach courier", "url", url, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Printf("Rejected (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		os.Exit(1)
	}

	var accepted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil {
		slog.Error("Failed to decode response", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Accepted %s (%s)\n", accepted.ID, accepted.Status)
	fmt.Printf("Track it with: curl http://localhost:%d/v1/requests/%s\n", cfg.Server.Port, accepted.ID)
}
