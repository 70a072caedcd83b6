package main

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yungbote/screening-backend/internal/screening/classify"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Print the domain and priority for free-text observations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

func runClassify(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return errors.New("text required")
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(classify.Classify(text))
}
