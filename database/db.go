package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/korjavin/tutorbot/models"
)

// DB handles all database operations
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New creates a new database connection and initializes tables
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err = createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{conn: db, now: time.Now}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// createTables creates the necessary tables if they don't exist
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quiz_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			question TEXT NOT NULL,
			selected TEXT NOT NULL,
			correct BOOLEAN NOT NULL,
			timestamp INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_quiz_attempts_user ON quiz_attempts (user_id)`)
	return err
}

// SaveAttempt records a user's answer to a quiz question
func (db *DB) SaveAttempt(userID int64, question, selected string, correct bool) error {
	_, err := db.conn.Exec(
		"INSERT INTO quiz_attempts (user_id, question, selected, correct, timestamp) VALUES (?, ?, ?, ?, ?)",
		userID, question, selected, correct, db.now().Unix(),
	)
	return err
}

// Stats retrieves the number of correct and incorrect answers of a user
func (db *DB) Stats(userID int64) (models.Stats, error) {
	var stats models.Stats
	err := db.conn.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN correct = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN correct = 0 THEN 1 ELSE 0 END), 0)
		FROM quiz_attempts
		WHERE user_id = ?`,
		userID,
	).Scan(&stats.Correct, &stats.Incorrect)
	return stats, err
}

// MostMissed returns the questions the user got wrong most often
func (db *DB) MostMissed(userID int64, limit int) ([]models.MissedQuestion, error) {
	rows, err := db.conn.Query(`
		SELECT question, COUNT(*) as misses
		FROM quiz_attempts
		WHERE user_id = ? AND correct = 0
		GROUP BY question
		ORDER BY misses DESC, MAX(timestamp) DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.MissedQuestion
	for rows.Next() {
		var mq models.MissedQuestion
		if err := rows.Scan(&mq.Question, &mq.Misses); err != nil {
			return nil, err
		}
		result = append(result, mq)
	}
	return result, rows.Err()
}

// Attempts returns the user's answers, oldest first
func (db *DB) Attempts(userID int64) ([]models.QuizAttempt, error) {
	rows, err := db.conn.Query(
		"SELECT user_id, question, selected, correct, timestamp FROM quiz_attempts WHERE user_id = ? ORDER BY id ASC",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.QuizAttempt
	for rows.Next() {
		var a models.QuizAttempt
		if err := rows.Scan(&a.UserID, &a.Question, &a.Selected, &a.Correct, &a.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
