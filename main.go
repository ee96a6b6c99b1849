// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔄 kitchenvoice-sync - Multi-Device Reconciliation Engine")
	fmt.Println("=========================================================")
	fmt.Println()
	fmt.Println("kitchenvoice-sync keeps the KitchenVoice kitchen-management data model")
	fmt.Println("consistent across devices: offline-first local storage, full bidirectional")
	fmt.Println("reconciliation with duplicate repair, live incremental merge, and")
	fmt.Println("tombstone-protected deletion.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Document Store Server (examples/docserver/)")
	fmt.Println("   PostgreSQL-backed multi-tenant document store with a change feed")
	fmt.Println("   Features: JWT auth (account/device), long-poll subscriptions")
	fmt.Println("   Run: cd examples/docserver && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Two-Device Demo (examples/twodevice/)")
	fmt.Println("   Two sync engines sharing one in-memory store, no server required")
	fmt.Println("   Features: full pass, live merge, tombstone-protected deletes")
	fmt.Println("   Run: cd examples/twodevice && go run .")
	fmt.Println()

	fmt.Println("Library packages: kvsync (engine), localstore (SQLite), docstore (client),")
	fmt.Println("docserver (reference server).")
}
