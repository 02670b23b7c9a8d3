package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tripmate/internal/trip/model"
)

// SQLStopStore provides access to stop and action records for the active
// trip. It implements the stop source consumed by the completion engine.
type SQLStopStore struct {
	db *sql.DB
}

// NewSQLStopStore constructs a SQLStopStore.
func NewSQLStopStore(db *sql.DB) *SQLStopStore {
	return &SQLStopStore{db: db}
}

// GetActiveStops returns all non-deleted stops for the dispatch ordered by
// their persisted sequence number, actions included.
func (r *SQLStopStore) GetActiveStops(ctx context.Context, dispatchID string) ([]model.Stop, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT stop_id, dispatch_id, seq, sequenced, completed_time, deleted, name, lon, lat, polygon FROM stops WHERE dispatch_id = $1 AND deleted = 0 ORDER BY seq ASC`, dispatchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stops []model.Stop
	for rows.Next() {
		var s model.Stop
		var completed sql.NullString
		var polygon sql.NullString
		if err := rows.Scan(&s.StopID, &s.DispatchID, &s.Seq, &s.Sequenced, &completed, &s.Deleted, &s.Name, &s.Center.Lon, &s.Center.Lat, &polygon); err != nil {
			return nil, err
		}
		s.CompletedTime = completed.String
		if polygon.Valid && polygon.String != "" {
			// malformed polygon falls back to the circular geofence
			_ = json.Unmarshal([]byte(polygon.String), &s.Polygon)
		}
		stops = append(stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stops {
		actions, err := r.GetActions(ctx, dispatchID, stops[i].StopID)
		if err != nil {
			return nil, err
		}
		stops[i].Actions = actions
	}
	return stops, nil
}

// GetActions returns the actions configured for a stop in declared order.
func (r *SQLStopStore) GetActions(ctx context.Context, dispatchID string, stopID int) ([]model.Action, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT action_type, radius, response_sent, trigger_received, trigger_received_time, form_id, form_class, guf_type FROM stop_actions WHERE dispatch_id = $1 AND stop_id = $2 ORDER BY action_type ASC`, dispatchID, stopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []model.Action
	for rows.Next() {
		var a model.Action
		var triggeredAt sql.NullTime
		var formID, formClass sql.NullString
		if err := rows.Scan(&a.ActionType, &a.Radius, &a.ResponseSent, &a.TriggerReceived, &triggeredAt, &formID, &formClass, &a.GufType); err != nil {
			return nil, err
		}
		if triggeredAt.Valid {
			a.TriggerReceivedTime = triggeredAt.Time
		}
		a.FormID = formID.String
		a.FormClass = formClass.String
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// SubmitActionEvent stores the immutable completion event record.
func (r *SQLStopStore) SubmitActionEvent(ctx context.Context, path string, event model.ActionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO action_events (event_id, dispatch_id, stop_id, action_type, reason, path, payload, occurred_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.EventID, event.DispatchID, event.StopID, int(event.ActionType), string(event.Reason), path, payload, event.OccurredAt)
	return err
}

// MarkResponseSent flips the terminal completion flag for one action. The
// flag is monotonic, so a second call is a no-op at the SQL level too.
func (r *SQLStopStore) MarkResponseSent(ctx context.Context, dispatchID string, stopID int, actionType model.ActionType) error {
	_, err := r.db.ExecContext(ctx, `UPDATE stop_actions SET response_sent = TRUE WHERE dispatch_id = $1 AND stop_id = $2 AND action_type = $3`, dispatchID, stopID, int(actionType))
	return err
}

// MarkTriggerReceived records that a geofence trigger fired for the action.
func (r *SQLStopStore) MarkTriggerReceived(ctx context.Context, dispatchID string, stopID int, actionType model.ActionType, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE stop_actions SET trigger_received = TRUE, trigger_received_time = $4 WHERE dispatch_id = $1 AND stop_id = $2 AND action_type = $3`, dispatchID, stopID, int(actionType), at)
	return err
}

// MarkStopCompleted stamps terminal completion on the stop record.
func (r *SQLStopStore) MarkStopCompleted(ctx context.Context, dispatchID string, stopID int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE stops SET completed_time = $3 WHERE dispatch_id = $1 AND stop_id = $2 AND (completed_time IS NULL OR completed_time = '')`, dispatchID, stopID, at.Format(time.RFC3339))
	return err
}
