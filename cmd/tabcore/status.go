// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luxfi/tabcore/provhealth"
)

func statusCmd() *cobra.Command {
	var primaryHint string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "register a sample set of LLM providers and print the fallback order",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := bootTab()

			t.health.Register("openrouter", false)
			t.health.RecordResult("openrouter", provhealth.CallResult{Success: true, LatencyMS: 500})
			t.health.Register("lmstudio", true)
			t.health.RecordResult("lmstudio", provhealth.CallResult{Success: true, LatencyMS: 300})
			t.health.Register("ollama", false)
			t.health.Register("fallback", true)
			t.health.RecordResult("fallback", provhealth.CallResult{Success: true, LatencyMS: 0})

			if primaryHint == "" {
				primaryHint = "lmstudio"
			}
			for i, name := range t.health.FallbackOrder(primaryHint) {
				status := t.health.Status(name)
				fmt.Printf("%d. %-12s %s\n", i+1, name, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&primaryHint, "primary", "", "primary_hint provider name (default lmstudio)")
	return cmd
}
