package repository

import "database/sql"

// SQLStore joins the MySQL user and token repositories into the single store
// the session guard and handlers consume.
type SQLStore struct {
	*UserRepo
	*TokenRepo
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{UserRepo: NewUserRepo(db), TokenRepo: NewTokenRepo(db)}
}
