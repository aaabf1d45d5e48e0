// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// BackendRow is one line of the backend list. It never carries the
// credential itself.
type BackendRow struct {
	ID        string
	Name      string
	BaseURL   string
	HasKey    bool
	Active    bool
	IsDefault bool
}

// RenderBackendTable renders rows as a bordered table. An empty list
// renders a short hint instead.
func RenderBackendTable(rows []BackendRow) string {
	if len(rows) == 0 {
		return Styles.Muted.Render("No backends configured. Add one with: expertchat backend add")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		Headers("NAME", "BASE URL", "KEY", "ACTIVE", "DEFAULT", "ID").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
	for _, r := range rows {
		t.Row(r.Name, r.BaseURL, yesNo(r.HasKey), yesNo(r.Active), mark(r.IsDefault), r.ID)
	}
	return t.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func mark(b bool) string {
	if b {
		return "*"
	}
	return ""
}
