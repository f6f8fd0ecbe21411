package store

import (
	"context"
	"database/sql"
	"errors"
)

// Admin roles checked by the operator routes. Super admins pass every check.
const (
	RoleManageLots     = "CanManageLots"
	RoleCreditAccounts = "CanCreditAccounts"
	RoleViewAudit      = "CanViewAudit"
)

type AdminStatus struct {
	IsAdmin bool
	IsSuper bool
}

type AdminStore struct {
	db DB
}

func NewAdminStore(db DB) *AdminStore {
	return &AdminStore{db: db}
}

func (s *AdminStore) Status(ctx context.Context, customerID string) (AdminStatus, error) {
	var isSuper bool
	err := s.db.GetContext(ctx, &isSuper, `
		SELECT is_super
		FROM admins
		WHERE customer_id = $1
	`, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminStatus{}, nil
	}
	if err != nil {
		return AdminStatus{}, err
	}
	return AdminStatus{IsAdmin: true, IsSuper: isSuper}, nil
}

func (s *AdminStore) HasRole(ctx context.Context, customerID, role string) (bool, error) {
	var granted bool
	err := s.db.GetContext(ctx, &granted, `
		SELECT EXISTS(SELECT 1 FROM admin_roles WHERE customer_id = $1 AND role = $2)
	`, customerID, role)
	return granted, err
}

func (s *AdminStore) CreateAdmin(ctx context.Context, tx Execer, customerID string, isSuper bool, createdBy *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admins (customer_id, is_super, created_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID, isSuper, createdBy)
	return err
}

func (s *AdminStore) GrantRole(ctx context.Context, tx Execer, customerID, role string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admin_roles (customer_id, role)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, customerID, role)
	return err
}

// HasAnyAdmin runs inside the registration transaction so that only the very
// first customer is bootstrapped as super admin.
func (s *AdminStore) HasAnyAdmin(ctx context.Context, tx Getter) (bool, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM admins)`)
	return exists, err
}
