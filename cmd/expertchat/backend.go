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
	"context"
	"fmt"
	"os"

	"github.com/AleutianAI/ExpertChat/cmd/expertchat/config"
	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/AleutianAI/ExpertChat/pkg/ux"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/backends"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/store"
	"github.com/awnumar/memguard"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newBackendCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage AI backends",
	}
	cmd.AddCommand(newBackendAddCmd(configPath), newBackendListCmd(configPath))
	return cmd
}

func newBackendAddCmd(configPath *string) *cobra.Command {
	var (
		in      ux.BackendInput
		userID  string
		noInput bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an OpenAI-compatible backend",
		Long: "Adds a backend for a user. The API key is sealed before it is stored.\n" +
			"Missing fields are prompted for when stdin is a terminal.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			interactive := !noInput && isatty.IsTerminal(os.Stdin.Fd())
			if in.Missing() && interactive {
				if err := ux.PromptBackend(&in, os.Getenv("ACCESSIBLE") != ""); err != nil {
					return err
				}
			}
			if err := in.Validate(); err != nil {
				return err
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			db, sealer, cleanup, err := openWithSealer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			b, err := addBackend(cmd.Context(), db, sealer, userID, in)
			if err != nil {
				return err
			}
			ux.Successf(cmd.OutOrStdout(), "Added backend %s (%s)", b.Name, b.ID)
			if in.MakeDefault {
				ux.Successf(cmd.OutOrStdout(), "Set as default for %s", userID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&userID, "user", extensions.LocalUserID, "owning user id")
	f.StringVar(&in.Name, "name", "", "display name")
	f.StringVar(&in.BaseURL, "base-url", "", "OpenAI-compatible base URL")
	f.StringVar(&in.APIKey, "api-key", "", "API key (empty for local servers)")
	f.StringVar(&in.OrgID, "org-id", "", "organization id")
	f.BoolVar(&in.MakeDefault, "default", false, "make this the user's default backend")
	f.BoolVar(&noInput, "no-input", false, "never prompt")
	return cmd
}

func newBackendListCmd(configPath *string) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := backendRows(cmd.Context(), db, userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ux.RenderBackendTable(rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", extensions.LocalUserID, "owning user id")
	return cmd
}

// openWithSealer opens the store and a Sealer over the configured master
// key. cleanup closes the store and wipes derived keys.
func openWithSealer(ctx context.Context, cfg config.Config) (*store.Store, *backends.Sealer, func(), error) {
	master, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, nil, nil, err
	}
	keyCache := backends.NewEnclaveKeyCache(cfg.Security.KeyCacheTTL)
	sealer, err := backends.NewSealer(master, keyCache, sealerConfig(cfg))
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		keyCache.Purge()
		return nil, nil, nil, err
	}
	return db, sealer, func() {
		db.Close()
		keyCache.Purge()
		memguard.Purge()
	}, nil
}

// sealerConfig maps the Argon2 settings. Zero fields take the sealer's
// defaults.
func sealerConfig(cfg config.Config) backends.SealerConfig {
	a := cfg.Security.Argon2
	return backends.SealerConfig{Time: a.Time, MemoryKiB: a.MemoryKiB, Threads: a.Threads}
}

// addBackend seals the key and stores the backend, optionally making it
// the user's default.
func addBackend(ctx context.Context, db *store.Store, sealer *backends.Sealer, userID string, in ux.BackendInput) (datatypes.Backend, error) {
	sealed, err := sealer.Seal(userID, in.APIKey)
	if err != nil {
		return datatypes.Backend{}, fmt.Errorf("seal api key: %w", err)
	}
	b, err := db.CreateBackend(ctx, datatypes.Backend{
		UserID:       userID,
		Name:         in.Name,
		BaseURL:      in.BaseURL,
		SealedAPIKey: sealed,
		OrgID:        in.OrgID,
		IsActive:     true,
	})
	if err != nil {
		return datatypes.Backend{}, err
	}
	if in.MakeDefault {
		if err := db.SetUserDefaultBackend(ctx, userID, b.ID); err != nil {
			return b, fmt.Errorf("set default backend: %w", err)
		}
	}
	return b, nil
}

func backendRows(ctx context.Context, db *store.Store, userID string) ([]ux.BackendRow, error) {
	list, err := db.ListBackends(ctx, userID)
	if err != nil {
		return nil, err
	}
	defaultID, err := db.GetUserDefaultBackendID(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows := make([]ux.BackendRow, 0, len(list))
	for _, b := range list {
		rows = append(rows, ux.BackendRow{
			ID:        b.ID,
			Name:      b.Name,
			BaseURL:   b.BaseURL,
			HasKey:    len(b.SealedAPIKey) > 0,
			Active:    b.IsActive,
			IsDefault: b.ID == defaultID,
		})
	}
	return rows, nil
}
