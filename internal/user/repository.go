package user

import (
	"context"
	"database/sql"
	"errors"
)

var ErrUserNotFound = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int64
	query := "INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id"

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Password).Scan(&id)
	if err != nil {
		return nil, err
	}

	user.ID = id
	user.Active = true
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.getUser(ctx, "SELECT id, username, password, active FROM users WHERE username = $1", username)
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return r.getUser(ctx, "SELECT id, username, password, active FROM users WHERE id = $1", id)
}

func (r *Repository) getUser(ctx context.Context, query string, arg any) (*User, error) {
	u := &User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.Password, &u.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}
