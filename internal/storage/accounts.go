package storage

import (
	"fmt"
)

// maxRecentAccounts bounds the remembered-account list shown on the login
// screen.
const maxRecentAccounts = 5

// SavedSession is the persisted login, restored on startup.
type SavedSession struct {
	Token    string `json:"token"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// SaveSession stores the current login, replacing any previous one.
func (d *DB) SaveSession(s SavedSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for k, v := range map[string]string{
		"token":    s.Token,
		"user_id":  fmt.Sprintf("%d", s.UserID),
		"username": s.Username,
	} {
		if _, err := tx.Exec(
			`INSERT INTO session (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v,
		); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSession returns the persisted login, false when none exists.
func (d *DB) LoadSession() (SavedSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var s SavedSession
	rows, err := d.db.Query(`SELECT key, value FROM session`)
	if err != nil {
		return SavedSession{}, false
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return SavedSession{}, false
		}
		switch k {
		case "token":
			s.Token = v
		case "user_id":
			fmt.Sscanf(v, "%d", &s.UserID)
		case "username":
			s.Username = v
		}
	}
	if s.Token == "" || s.UserID == 0 {
		return SavedSession{}, false
	}
	return s, true
}

// ClearSession removes the persisted login, used on logout and on token
// rejection.
func (d *DB) ClearSession() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM session`)
	return err
}

// RecentAccount is one remembered login identity.
type RecentAccount struct {
	Username  string `json:"username"`
	UserID    int64  `json:"userId"`
	LastLogin string `json:"lastLogin"`
}

// RememberAccount records a successful login and trims the list to the most
// recent entries.
func (d *DB) RememberAccount(username string, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(
		`INSERT INTO accounts (username, user_id) VALUES (?, ?)
		 ON CONFLICT(username) DO UPDATE SET
			user_id = excluded.user_id, last_login = CURRENT_TIMESTAMP`,
		username, userID,
	); err != nil {
		return fmt.Errorf("remember account: %w", err)
	}
	_, err := d.db.Exec(
		`DELETE FROM accounts WHERE username NOT IN (
			SELECT username FROM accounts ORDER BY last_login DESC LIMIT ?
		)`, maxRecentAccounts,
	)
	return err
}

// RecentAccounts lists remembered logins, most recent first.
func (d *DB) RecentAccounts() ([]RecentAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT username, user_id, last_login FROM accounts ORDER BY last_login DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecentAccount
	for rows.Next() {
		var a RecentAccount
		if err := rows.Scan(&a.Username, &a.UserID, &a.LastLogin); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ForgetAccount removes one remembered login.
func (d *DB) ForgetAccount(username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM accounts WHERE username = ?`, username)
	return err
}
