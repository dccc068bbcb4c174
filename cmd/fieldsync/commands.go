package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/storage"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fieldsync daemon and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

type statusResponse struct {
	Online      bool                  `json:"online"`
	Downloading bool                  `json:"downloading"`
	Uploading   bool                  `json:"uploading"`
	LastSync    *time.Time            `json:"ultimaSync"`
	LastError   string                `json:"lastError"`
	LastErrorAt *time.Time            `json:"lastErrorAt"`
	Pending     storage.PendingCounts `json:"pending"`
	Config      struct {
		DownloadTimes  []string `json:"horariosDownload"`
		SendOnCheckout bool     `json:"enviarNoCheckout"`
	} `json:"configSync"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Origin", "%s", cfg.Remote.Origin)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d (proxy %d)", cfg.Server.Port, cfg.Proxy.Port)
	printStatus("Origin", "%s", cfg.Remote.Origin)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err == nil {
		statusResp, err := apiGet(client, serverURL+"/status", apiToken)
		if err == nil {
			var st statusResponse
			if decodeJSON(statusResp, &st) == nil {
				printSyncStatus(st)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printSyncStatus(st statusResponse) {
	if st.Online {
		printStatus("Connectivity", "%s", colorize(colorGreen, "online"))
	} else {
		printStatus("Connectivity", "%s", colorize(colorYellow, "offline"))
	}
	printStatus("Last download", "%s", formatTime(st.LastSync))
	var running []string
	if st.Downloading {
		running = append(running, "download")
	}
	if st.Uploading {
		running = append(running, "upload")
	}
	if len(running) > 0 {
		printStatus("Running", "%s", strings.Join(running, ", "))
	}
	printStatus("Pending", "%s", pendingLabel(st.Pending))
	printStatus("Download times", "%s", strings.Join(st.Config.DownloadTimes, ", "))
	printStatus("Send on checkout", "%t", st.Config.SendOnCheckout)
	if st.LastError != "" {
		printStatus("Last error", "%s (%s)", colorize(colorRed, st.LastError), formatTime(st.LastErrorAt))
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func pendingLabel(c storage.PendingCounts) string {
	if c.Total == 0 {
		return "none"
	}
	return fmt.Sprintf("%d (%s %d, %s %d, %s %d, %s %d)", c.Total,
		storage.QueueSessions, c.Sessions,
		storage.QueueRecords, c.Records,
		storage.QueuePhotos, c.Photos,
		storage.QueueRoutes, c.Routes)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run sync phases on the running daemon",
}

type phaseResponse struct {
	Status     string `json:"status"`
	Committed  int    `json:"committed"`
	Categories []struct {
		Collection string `json:"collection"`
		Rows       int    `json:"rows"`
		Error      string `json:"error"`
	} `json:"categories"`
	Sent    int                   `json:"sent"`
	Failed  int                   `json:"failed"`
	Purged  int                   `json:"purged"`
	Pending storage.PendingCounts `json:"pending"`
	Error   string                `json:"error"`
}

var syncDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download reference data from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Downloading reference data...")
		res, err := runPhase(cmd.Context(), client, "/sync/download")
		if err != nil {
			return err
		}
		printDownload(res)
		return nil
	},
}

var syncUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Send pending queue entries to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Uploading pending entries...")
		res, err := runPhase(cmd.Context(), client, "/sync/upload")
		if err != nil {
			return err
		}
		printUpload(res)
		return nil
	},
}

var syncForcedCmd = &cobra.Command{
	Use:   "forced",
	Short: "Check the server for forced sync requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync/forced", nil)
		if err != nil {
			return err
		}
		var res struct {
			Download *phaseResponse `json:"download"`
			Upload   *phaseResponse `json:"upload"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Download == nil && res.Upload == nil {
			printSuccess("No forced sync requested")
			return nil
		}
		if res.Download != nil {
			printDownload(*res.Download)
		}
		if res.Upload != nil {
			printUpload(*res.Upload)
		}
		return nil
	},
}

var syncPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete synced entries past the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync/purge", nil)
		if err != nil {
			return err
		}
		var res struct {
			Purged int `json:"purged"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Purged %d synced entries", res.Purged)
		return nil
	},
}

func runPhase(ctx context.Context, client *apiClient, path string) (phaseResponse, error) {
	var res phaseResponse
	resp, err := client.post(ctx, path, nil)
	if err != nil {
		return res, err
	}
	if err := decodeJSON(resp, &res); err != nil {
		return res, err
	}
	return res, nil
}

func printDownload(res phaseResponse) {
	printStatus("Download", "%s", colorize(phaseColor(res.Status), res.Status))
	for _, c := range res.Categories {
		if c.Error != "" {
			printWarning("%s: %s", c.Collection, c.Error)
			continue
		}
		printStatus("  "+c.Collection, "%d rows", c.Rows)
	}
	if res.Error != "" && len(res.Categories) == 0 {
		printWarning("%s", res.Error)
	}
}

func printUpload(res phaseResponse) {
	printStatus("Upload", "%s", colorize(phaseColor(res.Status), res.Status))
	printStatus("Sent", "%d", res.Sent)
	if res.Failed > 0 {
		printStatus("Failed", "%d", res.Failed)
	}
	if res.Purged > 0 {
		printStatus("Purged", "%d", res.Purged)
	}
	printStatus("Pending", "%s", pendingLabel(res.Pending))
	if res.Error != "" {
		printWarning("%s", res.Error)
	}
}

func init() {
	syncCmd.AddCommand(syncDownloadCmd, syncUploadCmd, syncForcedCmd, syncPurgeCmd)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the outbound queues",
}

type queueEntry struct {
	LocalID    int64     `json:"localId"`
	SyncStatus string    `json:"syncStatus"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError"`
}

var queueListCmd = &cobra.Command{
	Use:   "list <queue>",
	Short: "List entries of a queue (" + strings.Join(storage.Queues, ", ") + ")",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !storage.IsQueue(args[0]) {
			return fmt.Errorf("unknown queue %q (valid: %s)", args[0], strings.Join(storage.Queues, ", "))
		}
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		entries, err := listQueue(cmd.Context(), client, args[0], status)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			printStatus("Entries", "none")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tATTEMPTS\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", e.LocalID, e.SyncStatus,
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Attempts, e.LastError)
		}
		return tw.Flush()
	},
}

func listQueue(ctx context.Context, client *apiClient, queue, status string) ([]queueEntry, error) {
	path := "/queue/" + url.PathEscape(queue)
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var entries []queueEntry
	if err := decodeJSON(resp, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

var queuePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show pending entry counts per queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/status")
		if err != nil {
			return err
		}
		var st statusResponse
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus(storage.QueueSessions, "%d", st.Pending.Sessions)
		printStatus(storage.QueueRecords, "%d", st.Pending.Records)
		printStatus(storage.QueuePhotos, "%d", st.Pending.Photos)
		printStatus(storage.QueueRoutes, "%d", st.Pending.Routes)
		printStatus("total", "%d", st.Pending.Total)
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "comma-separated statuses to show (pending, synced, error)")
	queueCmd.AddCommand(queueListCmd, queuePendingCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "remote.token" {
			printSuccess("Set %s", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
