package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit content for a video",
	Long: `Submit content for a video.

Examples:
  factreel submit --channel science --text "Honey never spoils"
  factreel submit --channel science --url https://example.com/article
  factreel submit --channel science --image ./photo.jpg --text "optional caption"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		text, _ := cmd.Flags().GetString("text")
		url, _ := cmd.Flags().GetString("url")
		imagePath, _ := cmd.Flags().GetString("image")
		owner, _ := cmd.Flags().GetString("owner")

		if channel == "" {
			return fmt.Errorf("--channel is required")
		}
		if text == "" && url == "" && imagePath == "" {
			return fmt.Errorf("one of --text, --url, or --image is required")
		}

		req := map[string]any{
			"channel": channel,
			"owner":   owner,
		}
		switch {
		case url != "":
			req["text"] = url
		case imagePath != "":
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			req["image"] = base64.StdEncoding.EncodeToString(data)
			req["text"] = text
		default:
			req["text"] = text
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		resp, err := client.post(ctx, "/jobs", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Job %s accepted", result["id"])
		return nil
	},
}

func init() {
	submitCmd.Flags().String("channel", "", "target channel slug")
	submitCmd.Flags().String("text", "", "fact text or image caption")
	submitCmd.Flags().String("url", "", "article URL to extract from")
	submitCmd.Flags().String("image", "", "image file path")
	submitCmd.Flags().String("owner", "", "submitting user")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List and inspect pipeline jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		path := fmt.Sprintf("/jobs?limit=%d", limit)
		if channel != "" {
			path += "&channel=" + channel
		}
		resp, err := client.get(ctx, path)
		if err != nil {
			return err
		}

		var jobs []struct {
			ID      string `json:"id"`
			Channel string `json:"channel"`
			State   string `json:"state"`
			Title   string `json:"title"`
			Failure string `json:"failure"`
		}
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			line := fmt.Sprintf("%s  %-10s  %-24s  %s",
				colorize(colorCyan, j.ID[:8]), j.Channel, stateLabel(j.State), j.Title)
			fmt.Println(line)
			if j.Failure != "" {
				fmt.Printf("          %s\n", colorize(colorRed, j.Failure))
			}
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		resp, err := client.get(ctx, "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(job)
	},
}

func stateLabel(state string) string {
	switch state {
	case "uploaded":
		return colorize(colorGreen, state)
	case "failed":
		return colorize(colorRed, state)
	case "pending_upload_approval":
		return colorize(colorYellow, state)
	default:
		return state
	}
}

func init() {
	jobsCmd.Flags().String("channel", "", "filter by channel slug")
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsShowCmd)
}

// --- triggers ---

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Manage scheduled idea triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		resp, err := client.get(ctx, "/triggers")
		if err != nil {
			return err
		}

		var triggers []struct {
			ID        string `json:"id"`
			Channel   string `json:"channel"`
			Schedule  string `json:"schedule"`
			IdeaCount int    `json:"idea_count"`
			Enabled   bool   `json:"enabled"`
			NextFire  string `json:"next_fire"`
		}
		if err := decodeJSON(resp, &triggers); err != nil {
			return err
		}

		if len(triggers) == 0 {
			fmt.Println("No triggers configured.")
			return nil
		}
		for _, t := range triggers {
			state := colorize(colorGreen, "enabled")
			if !t.Enabled {
				state = colorize(colorYellow, "disabled")
			}
			fmt.Printf("%s  %-10s  %-16s  %d ideas  %s  next %s\n",
				colorize(colorCyan, t.ID[:8]), t.Channel, t.Schedule, t.IdeaCount, state, t.NextFire)
		}
		return nil
	},
}

var triggersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled trigger",
	Long: `Add a scheduled trigger.

Schedules are either a daily time or an interval:
  factreel triggers add --channel science --schedule 09:00 --count 5
  factreel triggers add --channel science --schedule "@every 6h"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		schedule, _ := cmd.Flags().GetString("schedule")
		count, _ := cmd.Flags().GetInt("count")
		owner, _ := cmd.Flags().GetString("owner")

		if channel == "" || schedule == "" {
			return fmt.Errorf("--channel and --schedule are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		resp, err := client.post(ctx, "/triggers", map[string]any{
			"channel":    channel,
			"owner":      owner,
			"schedule":   schedule,
			"idea_count": count,
		})
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Trigger %v created for %s (%s)", result["id"], channel, schedule)
		return nil
	},
}

var triggersEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchTrigger(args[0], map[string]any{"enabled": true}, "enabled")
	},
}

var triggersDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchTrigger(args[0], map[string]any{"enabled": false}, "disabled")
	},
}

var triggersRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		resp, err := client.delete(ctx, "/triggers/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Trigger %s removed", args[0])
		return nil
	},
}

func patchTrigger(id string, patch map[string]any, verb string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	resp, err := client.patch(ctx, "/triggers/"+id, patch)
	if err != nil {
		return err
	}

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	printSuccess("Trigger %s %s", id, verb)
	return nil
}

func init() {
	triggersAddCmd.Flags().String("channel", "", "target channel slug")
	triggersAddCmd.Flags().String("schedule", "", `"HH:MM" daily or "@every <duration>"`)
	triggersAddCmd.Flags().Int("count", 3, "ideas per batch")
	triggersAddCmd.Flags().String("owner", "", "owning user")
	triggersCmd.AddCommand(triggersAddCmd)
	triggersCmd.AddCommand(triggersEnableCmd)
	triggersCmd.AddCommand(triggersDisableCmd)
	triggersCmd.AddCommand(triggersRemoveCmd)
}

// --- approvals ---

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		resp, err := client.get(ctx, "/approvals")
		if err != nil {
			return err
		}

		var pending []struct {
			RequestID string `json:"request_id"`
			SubjectID string `json:"subject_id"`
			Kind      string `json:"kind"`
			Choices   string `json:"choices"`
			ExpiresAt string `json:"expires_at"`
		}
		if err := decodeJSON(resp, &pending); err != nil {
			return err
		}

		if len(pending) == 0 {
			fmt.Println("Nothing waiting for approval.")
			return nil
		}
		for _, p := range pending {
			fmt.Printf("%s  %-8s  subject %s  [%s]  expires %s\n",
				colorize(colorCyan, p.RequestID[:8]), p.Kind, p.SubjectID[:8], p.Choices, p.ExpiresAt)
		}
		return nil
	},
}

// --- decide ---

var decideCmd = &cobra.Command{
	Use:   "decide <request-id> <choice>",
	Short: "Apply a decision to a pending approval",
	Long: `Apply a decision to a pending approval.

Examples:
  factreel decide 4f2a91c0-... approve
  factreel decide 4f2a91c0-... skip`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		resp, err := client.post(ctx, "/decisions", map[string]string{
			"request_id": args[0],
			"choice":     args[1],
			"actor":      actor,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		switch result["outcome"] {
		case "applied":
			printSuccess("Decision %q applied", args[1])
		case "already_decided":
			printWarning("Request was already decided; nothing changed")
		case "expired":
			printWarning("Request expired before the decision arrived; resolved to skip")
		default:
			fmt.Println(result["outcome"])
		}
		return nil
	},
}

func init() {
	decideCmd.Flags().String("actor", "", "who is deciding")
}
