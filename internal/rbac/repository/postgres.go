package repository

import (
	"context"
	"database/sql"
	"errors"

	"opaque-idp/internal/rbac/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an RBAC repository that uses the given db.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

func (r *PostgresRepository) GetMembership(ctx context.Context, userID, orgID string) (*domain.Membership, error) {
	var (
		m      domain.Membership
		status string
	)
	err := r.db.QueryRowContext(ctx, `
		select id, org_id, user_id, status, created_at
		  from organization_members
		 where user_id = $1 and org_id = $2`, userID, orgID).
		Scan(&m.ID, &m.OrgID, &m.UserID, &status, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Status = domain.MembershipStatus(status)
	return &m, nil
}

func (r *PostgresRepository) ListMemberships(ctx context.Context, userID string) ([]*domain.Membership, error) {
	rows, err := r.db.QueryContext(ctx, `
		select id, org_id, user_id, status, created_at
		  from organization_members
		 where user_id = $1
		 order by org_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Membership
	for rows.Next() {
		var (
			m      domain.Membership
			status string
		)
		if err := rows.Scan(&m.ID, &m.OrgID, &m.UserID, &status, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = domain.MembershipStatus(status)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MemberRoleKeys(ctx context.Context, memberID string) ([]string, error) {
	return r.keys(ctx, `
		select distinct ro.key
		  from organization_member_roles omr
		  join roles ro on ro.id = omr.role_id
		 where omr.member_id = $1
		 order by ro.key`, memberID)
}

func (r *PostgresRepository) MemberPermissions(ctx context.Context, memberID string) ([]string, error) {
	return r.keys(ctx, `
		select distinct p.key
		  from organization_member_roles omr
		  join role_permissions rp on rp.role_id = omr.role_id
		  join permissions p on p.id = rp.permission_id
		 where omr.member_id = $1
		 order by p.key`, memberID)
}

func (r *PostgresRepository) ActivePermissions(ctx context.Context, userID string) ([]string, error) {
	return r.keys(ctx, `
		select distinct p.key
		  from organization_members m
		  join organization_member_roles omr on omr.member_id = m.id
		  join role_permissions rp on rp.role_id = omr.role_id
		  join permissions p on p.id = rp.permission_id
		 where m.user_id = $1 and m.status = 'active'
		 order by p.key`, userID)
}

func (r *PostgresRepository) DirectPermissions(ctx context.Context, userID string) ([]string, error) {
	return r.keys(ctx, `
		select p.key
		  from user_permissions up
		  join permissions p on p.id = up.permission_id
		 where up.user_id = $1
		 order by p.key`, userID)
}

func (r *PostgresRepository) GroupKeys(ctx context.Context, userID string) ([]string, error) {
	return r.keys(ctx, `
		select g.key
		  from user_groups ug
		  join groups g on g.id = ug.group_id
		 where ug.user_id = $1
		 order by g.key`, userID)
}

func (r *PostgresRepository) keys(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
