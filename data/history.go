package data

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"georelay.dev/relay"
)

// History is a local sqlite track log of updates received in watch mode.
// The relay never reads it; latest-wins delivery does not depend on it.
type History struct {
	db *sql.DB
}

func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS track (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		timestamp INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &History{db: db}, nil
}

func (h *History) Append(u *relay.Update) error {
	_, err := h.db.Exec(`INSERT INTO track (session, lat, lng, timestamp) VALUES (?, ?, ?, ?)`,
		u.SessionID, u.Lat, u.Lng, u.Timestamp)
	return err
}

// Recent returns up to limit updates for a session, newest first.
func (h *History) Recent(session string, limit int) ([]*relay.Update, error) {
	rows, err := h.db.Query(`SELECT session, lat, lng, timestamp FROM track
		WHERE session = ? ORDER BY id DESC LIMIT ?`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*relay.Update
	for rows.Next() {
		u := new(relay.Update)
		if err := rows.Scan(&u.SessionID, &u.Lat, &u.Lng, &u.Timestamp); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (h *History) Close() error {
	return h.db.Close()
}
