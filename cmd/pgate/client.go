package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// call sends body (if any) to the running server and prints the JSON reply.
func call(method, path string, body interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	fmt.Println(string(data))
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the automation status of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/system/status", nil)
	},
}

var previewsCmd = &cobra.Command{
	Use:   "previews",
	Short: "List items waiting for review",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/previews", nil)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit [file.json]",
	Short: "Submit a generated item (JSON, '-' for stdin) for preview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		var body map[string]interface{}
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		return call(http.MethodPost, "/content", body)
	},
}

var reviewer, reason string

var approveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve an item in preview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/content/"+args[0]+"/approve", map[string]string{"user": reviewer})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Reject an item in preview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/content/"+args[0]+"/reject", map[string]string{"user": reviewer, "reason": reason})
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Pause or resume the scheduler loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/system/toggle", nil)
	},
}

func init() {
	approveCmd.Flags().StringVar(&reviewer, "user", "", "Reviewer name")
	rejectCmd.Flags().StringVar(&reviewer, "user", "", "Reviewer name")
	rejectCmd.Flags().StringVar(&reason, "reason", "", "Why the item is rejected")
	_ = rejectCmd.MarkFlagRequired("reason")
}
