// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

// Package query builds parameterized SQL WHERE clauses for the session store.
//
// Filters that are unset are skipped, so callers pass request filters through
// without branching:
//
//	wb := query.NewWhereBuilder()
//	wb.AddEquals("account", filter.Account)
//	wb.AddSince("created_at", filter.Since)
//	where, args := wb.BuildWithPrefix()
//	// WHERE account = ? AND created_at >= ?
//
// Column names are written by the caller and never come from user input.
package query
