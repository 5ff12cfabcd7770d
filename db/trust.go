package db

import (
	"context"

	"github.com/barineco/illo-sub000/domain"
)

const (
	sqlSelectInstanceTrust = `SELECT domain, software, version, known, checked_at, expires_at
		FROM instance_trust WHERE domain = ?`
	sqlUpsertInstanceTrust = `INSERT INTO instance_trust (domain, software, version, known, checked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			software = excluded.software,
			version = excluded.version,
			known = excluded.known,
			checked_at = excluded.checked_at,
			expires_at = excluded.expires_at`
)

func (db *DB) ReadInstanceTrust(ctx context.Context, domainName string) (*domain.InstanceTrust, error) {
	var (
		t     domain.InstanceTrust
		known int
	)
	err := db.queryRow(ctx, sqlSelectInstanceTrust, domainName).
		Scan(&t.Domain, &t.Software, &t.Version, &known, &t.CheckedAt, &t.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.Known = known != 0
	return &t, nil
}

func (db *DB) UpsertInstanceTrust(ctx context.Context, t *domain.InstanceTrust) error {
	_, err := db.exec(ctx, sqlUpsertInstanceTrust,
		t.Domain, t.Software, t.Version, boolToInt(t.Known), t.CheckedAt.UTC(), t.ExpiresAt.UTC())
	return err
}
