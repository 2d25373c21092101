package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/catchsync/internal/api"
	"github.com/kalambet/catchsync/internal/config"
	"github.com/kalambet/catchsync/internal/syncer"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a capture for delivery",
	Long: `Queue a capture for delivery. The capture is stored locally first and
sent as soon as the device is online.

Examples:
  catchsync submit --payload '{"species":"pike","length_cm":82}' --photo IMG_2041.jpg
  catchsync submit --payload-file catch.json --photo a.jpg --photo b.jpg --video release.mp4
  catchsync submit --payload-file catch.json --priority 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := cmd.Flags().GetString("payload")
		payloadFile, _ := cmd.Flags().GetString("payload-file")
		photos, _ := cmd.Flags().GetStringArray("photo")
		video, _ := cmd.Flags().GetString("video")
		priority, _ := cmd.Flags().GetInt("priority")

		up, err := buildCaptureUpload(payload, payloadFile, photos, video, priority)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.submitCapture(cmd.Context(), up)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued capture %s", result["local_id"])
		return nil
	},
}

func buildCaptureUpload(payload, payloadFile string, photos []string, video string, priority int) (captureUpload, error) {
	switch {
	case payload != "" && payloadFile != "":
		return captureUpload{}, fmt.Errorf("use only one of --payload or --payload-file")
	case payloadFile != "":
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return captureUpload{}, fmt.Errorf("reading payload file: %w", err)
		}
		payload = string(data)
	case payload == "":
		return captureUpload{}, fmt.Errorf("one of --payload or --payload-file is required")
	}
	if !json.Valid([]byte(payload)) {
		return captureUpload{}, fmt.Errorf("payload is not valid JSON")
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal([]byte(payload), &fields) != nil || fields == nil {
		return captureUpload{}, fmt.Errorf("payload must be a JSON object")
	}
	if priority < 0 || priority > 5 {
		return captureUpload{}, fmt.Errorf("--priority must be between 1 and 5")
	}
	for _, p := range append(append([]string(nil), photos...), video) {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return captureUpload{}, fmt.Errorf("media file: %w", err)
		}
	}
	return captureUpload{
		Payload:  json.RawMessage(payload),
		Photos:   photos,
		Video:    video,
		Priority: priority,
	}, nil
}

func init() {
	submitCmd.Flags().String("payload", "", "capture metadata as JSON")
	submitCmd.Flags().String("payload-file", "", "file holding the capture metadata JSON")
	submitCmd.Flags().StringArray("photo", nil, "photo evidence (repeatable)")
	submitCmd.Flags().String("video", "", "optional video evidence")
	submitCmd.Flags().Int("priority", 0, "delivery priority, 1 (high) to 5 (low)")
}

// --- pending ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect and manage undelivered captures",
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List undelivered captures in delivery order",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/captures?limit=%d", limit))
		if err != nil {
			return err
		}

		var list struct {
			Total    int               `json:"total"`
			Captures []api.CaptureView `json:"captures"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list.Captures) == 0 {
			fmt.Println("No pending captures.")
			return nil
		}

		now := time.Now()
		for _, c := range list.Captures {
			fmt.Println(formatCaptureLine(c, now))
		}
		if list.Total > len(list.Captures) {
			fmt.Printf("... and %d more\n", list.Total-len(list.Captures))
		}
		return nil
	},
}

func formatCaptureLine(c api.CaptureView, now time.Time) string {
	state := string(c.Status)
	if c.Exhausted {
		state = "stuck"
	}
	line := fmt.Sprintf("%s  p%d  %-8s  %d/%d  %d media  %s",
		colorize(colorCyan, c.LocalID),
		c.Priority,
		colorize(statusColor(string(c.Status), c.Exhausted), state),
		c.Attempts, c.MaxAttempts,
		len(c.Media),
		humanAge(c.CreatedAt, now),
	)
	if c.LastError != "" {
		line += "  " + c.LastError
	}
	return line
}

var pendingShowCmd = &cobra.Command{
	Use:   "show <local-id>",
	Short: "Show a single capture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/captures/"+args[0])
		if err != nil {
			return err
		}

		var capture api.CaptureView
		if err := decodeJSON(resp, &capture); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(capture)
	},
}

var pendingRetryCmd = &cobra.Command{
	Use:   "retry <local-id>",
	Short: "Reset a failed capture's attempts so it is retried",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/captures/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}

		printSuccess("Capture %s will be retried on the next sync", args[0])
		return nil
	},
}

var pendingDiscardCmd = &cobra.Command{
	Use:   "discard <local-id>",
	Short: "Drop an undelivered capture and its media",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("The capture will be lost for good. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/captures/"+args[0])
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}

		printSuccess("Discarded capture %s", args[0])
		return nil
	},
}

func init() {
	pendingListCmd.Flags().Int("limit", 50, "maximum number of captures to list")
	pendingDiscardCmd.Flags().Bool("confirm", false, "confirm the discard")
	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingShowCmd)
	pendingCmd.AddCommand(pendingRetryCmd)
	pendingCmd.AddCommand(pendingDiscardCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver pending captures now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}

		var res syncer.SyncResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		printSyncResult(res)
		return nil
	},
}

func printSyncResult(res syncer.SyncResult) {
	switch {
	case res.Coalesced:
		printWarning("A sync was already running; joined it")
	case res.Synced == 0 && res.Failed == 0 && !res.Interrupted:
		printSuccess("Nothing to sync")
		return
	}

	printSuccess("%d synced, %d failed", res.Synced, res.Failed)
	if res.Interrupted {
		printWarning("Sync stopped early: connectivity lost")
	}
	for _, e := range res.Errors {
		kind := "will retry"
		if e.Permanent {
			kind = "rejected"
		}
		fmt.Printf("  %s  %s  %s\n", colorize(colorCyan, e.LocalID), kind, e.Message)
	}
}

// --- storage ---

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect or wipe local storage",
}

var storageSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Show bytes used by the queue and media",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/storage")
		if err != nil {
			return err
		}

		var size struct {
			Bytes int64 `json:"bytes"`
		}
		if err := decodeJSON(resp, &size); err != nil {
			return err
		}

		printStatus("Storage", "%s", humanBytes(size.Bytes))
		return nil
	},
}

var storageClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all queued captures, media and cached data",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes ALL undelivered captures. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/storage")
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}

		printSuccess("Local storage cleared")
		return nil
	},
}

func init() {
	storageClearCmd.Flags().Bool("confirm", false, "confirm the wipe")
	storageCmd.AddCommand(storageSizeCmd)
	storageCmd.AddCommand(storageClearCmd)
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: fmt.Sprintf(`Set a configuration value. Secrets are written to the platform secret
store instead of the configuration file.

Keys: %v`, config.ValidKeys()),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
