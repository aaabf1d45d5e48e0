// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/AleutianAI/ExpertChat/cmd/expertchat/config"
	"github.com/AleutianAI/ExpertChat/pkg/ux"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			// Open applies pending migrations.
			db, err := store.Open(cmd.Context(), cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			versions, err := db.Versions(cmd.Context())
			if err != nil {
				return fmt.Errorf("read migration versions: %w", err)
			}
			out := cmd.OutOrStdout()
			ux.Successf(out, "Database %s is up to date", cfg.Database.Path)
			for _, v := range versions {
				fmt.Fprintf(out, "  %s\n", ux.Styles.Muted.Render(v))
			}
			return nil
		},
	}
}
