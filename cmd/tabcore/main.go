// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tabcore",
	Short: "tabcore wires up the in-browser coordination core outside a browser",
	Long: `tabcore boots one tab's worth of the coordination core — Transport,
Elector, EventLog, OpLock, TxnCoord, KVStore, ConfigCipher, and
ProvHealth — against an in-memory database, for local inspection and
smoke-testing of the wiring without a browser host.`,
}

func main() {
	rootCmd.AddCommand(demoCmd(), statusCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
