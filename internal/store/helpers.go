package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanCallRecord scans a CallRecord from sql.Rows.
func scanCallRecord(rows *sql.Rows) (models.CallRecord, error) {
	var r models.CallRecord
	var email, ticketID sql.NullString
	var finalState string
	err := rows.Scan(&r.CallID, &email, &finalState, &r.AnswerFound, &ticketID, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return r, fmt.Errorf("scan call record failed: %w", err)
	}
	r.Email = email.String
	r.TicketID = ticketID.String
	r.FinalState = models.CallState(finalState)
	return r, nil
}

// scanCallRecordRow scans a CallRecord from a single sql.Row.
func scanCallRecordRow(row *sql.Row) (models.CallRecord, error) {
	var r models.CallRecord
	var email, ticketID sql.NullString
	var finalState string
	err := row.Scan(&r.CallID, &email, &finalState, &r.AnswerFound, &ticketID, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return r, err
	}
	r.Email = email.String
	r.TicketID = ticketID.String
	r.FinalState = models.CallState(finalState)
	return r, nil
}
