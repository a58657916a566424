package database

import (
	"database/sql"

	_ "github.com/lib/pq"
)

type PgForumRepository struct {
	conn *sql.DB
}

func NewPgForumRepository(dsn string) (*PgForumRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgForumRepository{conn: db}, nil
}

func (db *PgForumRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgForumRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
