package web

import (
	"database/sql"
	"fmt"

	"github.com/lucasnoah/healfactory/internal/db"
)

// recentActivity returns the most recent pipeline events across all runs.
func (s *Server) recentActivity(limit int) ([]db.PipelineEvent, error) {
	rows, err := s.db.Conn().Query(s.db.Rebind(
		`SELECT id, run_id, cycle, event, phase, detail, timestamp
		 FROM pipeline_events ORDER BY id DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var events []db.PipelineEvent
	for rows.Next() {
		var e db.PipelineEvent
		var phase, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Cycle, &e.Event, &phase, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Phase = phase.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
