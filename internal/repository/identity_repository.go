package repository

import (
	"context"

	"sentinal-convos/internal/domain/inbox"
)

type identityRepository struct {
	db DBTX
}

func NewIdentityRepository(db DBTX) IdentityRepository {
	return &identityRepository{db: db}
}

func (r *identityRepository) Create(ctx context.Context, i *inbox.Identity) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO identities (inbox_id, client_id, private_key, display_name, created_at)
        VALUES (?,?,?,?,?)
    `, i.InboxID, i.ClientID, i.PrivateKey, i.DisplayName, i.CreatedAt)
	return storageErr("identity.Create", err)
}

func (r *identityRepository) Get(ctx context.Context, inboxID string) (inbox.Identity, error) {
	var i inbox.Identity
	err := r.db.QueryRowContext(ctx, `
        SELECT inbox_id, client_id, private_key, display_name, created_at
        FROM identities
        WHERE inbox_id = ?
    `, inboxID).Scan(&i.InboxID, &i.ClientID, &i.PrivateKey, &i.DisplayName, &i.CreatedAt)
	if err != nil {
		return inbox.Identity{}, storageErr("identity.Get", err)
	}
	return i, nil
}

func (r *identityRepository) List(ctx context.Context) ([]inbox.Identity, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT inbox_id, client_id, private_key, display_name, created_at
        FROM identities
        ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, storageErr("identity.List", err)
	}
	defer rows.Close()

	var out []inbox.Identity
	for rows.Next() {
		var i inbox.Identity
		if err := rows.Scan(&i.InboxID, &i.ClientID, &i.PrivateKey, &i.DisplayName, &i.CreatedAt); err != nil {
			return nil, storageErr("identity.List", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("identity.List", err)
	}
	return out, nil
}

func (r *identityRepository) UpdateDisplayName(ctx context.Context, inboxID, name string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE identities SET display_name = ? WHERE inbox_id = ?`, nullString(name), inboxID)
	if err != nil {
		return storageErr("identity.UpdateDisplayName", err)
	}
	return requireAffected("identity.UpdateDisplayName", res)
}

func (r *identityRepository) Delete(ctx context.Context, inboxID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE inbox_id = ?`, inboxID)
	if err != nil {
		return storageErr("identity.Delete", err)
	}
	return requireAffected("identity.Delete", res)
}
