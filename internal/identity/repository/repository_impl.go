package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/escrowd/internal/identity/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByPiUID(ctx context.Context, db *gorm.DB, piUID string) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).Raw(
		`SELECT id, pi_uid, username, COALESCE(wallet_address, '') AS wallet_address, created_at, updated_at
		 FROM profiles WHERE pi_uid = ?`,
		piUID,
	).Scan(&profile).Error
	if err != nil {
		return nil, err
	}
	if profile.ID == "" {
		return nil, nil
	}
	return &profile, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, profile *domain.Profile) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO profiles (id, pi_uid, username, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		profile.ID,
		profile.PiUID,
		profile.Username,
		profile.CreatedAt,
		profile.UpdatedAt,
	).Error
}

func (r *repo) UpdateUsername(ctx context.Context, db *gorm.DB, id, username string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE profiles SET username = ?, updated_at = ? WHERE id = ?`,
		username, at, id,
	).Error
}
