package store

import "time"

// Incident types.
const (
	IncidentFault         = "fault"
	IncidentReleaseFailed = "release_failed"
	IncidentRecovery      = "recovery"
	IncidentCleared       = "cleared"
)

type Incident struct {
	ID           int64     `json:"id"`
	IncidentType string    `json:"incident_type"`
	LockerID     string    `json:"locker_id"`
	RentalID     string    `json:"rental_id,omitempty"`
	Resolution   string    `json:"resolution,omitempty"`
	Reason       string    `json:"reason"`
	Actor        string    `json:"actor"`
	CreatedAt    time.Time `json:"created_at"`
}

func (db *DB) CreateIncident(inc *Incident) error {
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now()
	}
	query := `INSERT INTO incidents (incident_type, locker_id, rental_id, resolution, reason, actor, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	args := []any{inc.IncidentType, inc.LockerID, inc.RentalID, inc.Resolution, inc.Reason, inc.Actor, formatTime(inc.CreatedAt)}
	if db.driver == "postgres" {
		return db.QueryRow(db.Q(query+` RETURNING id`), args...).Scan(&inc.ID)
	}
	result, err := db.Exec(query, args...)
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	inc.ID = id
	return nil
}

func (db *DB) ListIncidents(limit int) ([]*Incident, error) {
	return db.queryIncidents(`SELECT id, incident_type, locker_id, rental_id, resolution, reason, actor, created_at FROM incidents ORDER BY id DESC LIMIT ?`, limit)
}

func (db *DB) ListLockerIncidents(lockerID string, limit int) ([]*Incident, error) {
	return db.queryIncidents(`SELECT id, incident_type, locker_id, rental_id, resolution, reason, actor, created_at FROM incidents WHERE locker_id=? ORDER BY id DESC LIMIT ?`, lockerID, limit)
}

func (db *DB) queryIncidents(query string, args ...any) ([]*Incident, error) {
	rows, err := db.Query(db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var incidents []*Incident
	for rows.Next() {
		var inc Incident
		var createdAt string
		if err := rows.Scan(&inc.ID, &inc.IncidentType, &inc.LockerID, &inc.RentalID, &inc.Resolution, &inc.Reason, &inc.Actor, &createdAt); err != nil {
			return nil, err
		}
		inc.CreatedAt = parseTime(createdAt)
		incidents = append(incidents, &inc)
	}
	return incidents, rows.Err()
}
