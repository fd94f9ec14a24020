// Package mapper converts between typed ledger records and raw table rows.
//
// The column order per table is part of the wire format and must not change.
// Conversions never fail: malformed cells degrade to zero values so one bad
// field cannot take down the rest of the row.
package mapper

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/diegodesogos/quozen/internal/docstore"
	"github.com/diegodesogos/quozen/internal/models"
)

// Table names inside a group document.
const (
	TableExpenses    = "Expenses"
	TableSettlements = "Settlements"
	TableMembers     = "Members"
)

// Tables lists every table a group document must contain.
var Tables = []string{TableExpenses, TableSettlements, TableMembers}

// Header rows, one per table. Row 1 of each table holds its header.
var (
	ExpenseHeader    = docstore.Row{"id", "date", "description", "amount", "paidBy", "category", "splits", "meta"}
	SettlementHeader = docstore.Row{"id", "date", "fromUserId", "toUserId", "amount", "method", "notes"}
	MemberHeader     = docstore.Row{"userId", "email", "name", "role", "joinedAt"}
)

// expenseMeta is the structured value embedded in the Expenses meta cell.
type expenseMeta struct {
	CreatedAt    string `json:"createdAt"`
	LastModified string `json:"lastModified"`
}

// ExpenseFromRow builds an Expense from a raw row read at the given 1-based
// sheet position.
func ExpenseFromRow(row docstore.Row, pos int) models.Expense {
	e := models.Expense{
		ID:          cellText(row, 0),
		Date:        cellTime(row, 1),
		Description: cellText(row, 2),
		Amount:      cellNumber(row, 3),
		PaidBy:      cellText(row, 4),
		Category:    cellText(row, 5),
		Row:         pos,
	}

	// Malformed splits degrade to an empty list, not an error.
	if raw := cellText(row, 6); raw != "" {
		var splits []models.Split
		if err := json.Unmarshal([]byte(raw), &splits); err == nil {
			e.Splits = splits
		}
	}

	var meta expenseMeta
	if raw := cellText(row, 7); raw != "" {
		_ = json.Unmarshal([]byte(raw), &meta)
	}
	e.CreatedAt = parseTime(meta.CreatedAt)
	e.LastModified = parseTime(meta.LastModified)

	return e
}

// ExpenseToRow flattens an Expense into its raw row form.
func ExpenseToRow(e models.Expense) docstore.Row {
	splits, _ := json.Marshal(e.Splits)
	if e.Splits == nil {
		splits = []byte("[]")
	}
	meta, _ := json.Marshal(expenseMeta{
		CreatedAt:    e.CreatedAt.Format(time.RFC3339Nano),
		LastModified: e.LastModified.Format(time.RFC3339Nano),
	})
	return docstore.Row{
		e.ID,
		e.Date.Format(time.RFC3339Nano),
		e.Description,
		e.Amount,
		e.PaidBy,
		e.Category,
		string(splits),
		string(meta),
	}
}

// SettlementFromRow builds a Settlement from a raw row read at the given
// 1-based sheet position.
func SettlementFromRow(row docstore.Row, pos int) models.Settlement {
	return models.Settlement{
		ID:         cellText(row, 0),
		Date:       cellTime(row, 1),
		FromUserID: cellText(row, 2),
		ToUserID:   cellText(row, 3),
		Amount:     cellNumber(row, 4),
		Method:     cellText(row, 5),
		Notes:      cellText(row, 6),
		Row:        pos,
	}
}

// SettlementToRow flattens a Settlement into its raw row form.
func SettlementToRow(s models.Settlement) docstore.Row {
	return docstore.Row{
		s.ID,
		s.Date.Format(time.RFC3339Nano),
		s.FromUserID,
		s.ToUserID,
		s.Amount,
		s.Method,
		s.Notes,
	}
}

// MemberFromRow builds a Member from a raw row read at the given 1-based
// sheet position.
func MemberFromRow(row docstore.Row, pos int) models.Member {
	return models.Member{
		UserID:   cellText(row, 0),
		Email:    cellText(row, 1),
		Name:     cellText(row, 2),
		Role:     cellText(row, 3),
		JoinedAt: cellTime(row, 4),
		Row:      pos,
	}
}

// MemberToRow flattens a Member into its raw row form.
func MemberToRow(m models.Member) docstore.Row {
	return docstore.Row{
		m.UserID,
		m.Email,
		m.Name,
		m.Role,
		m.JoinedAt.Format(time.RFC3339Nano),
	}
}

// ParseAmount parses a numeric cell value. Locale strings using comma as the
// decimal separator are accepted; anything unparsable becomes 0.
func ParseAmount(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		normalized := strings.ReplaceAll(strings.TrimSpace(n), ",", ".")
		f, err := strconv.ParseFloat(normalized, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func cellText(row docstore.Row, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func cellNumber(row docstore.Row, i int) float64 {
	if i >= len(row) {
		return 0
	}
	return ParseAmount(row[i])
}

func cellTime(row docstore.Row, i int) time.Time {
	return parseTime(cellText(row, i))
}

// parseTime reads an RFC 3339 timestamp; unparsable or absent values default
// to now rather than failing the read.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now()
	}
	return t
}
