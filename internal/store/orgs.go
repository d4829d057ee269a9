package store

import (
	"database/sql"
)

func (s *SQLStore) UpsertOrg(o *Organization) error {
	_, err := s.exec(`INSERT INTO organizations (id, slug, name, plan, limits, `+"`usage`"+`, settings,
		allowed_domains, billing, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+
		s.dialect.upsertClause("id", "slug", "name", "plan", "limits", "`usage`", "settings",
			"allowed_domains", "billing", "updated_at"),
		o.ID, o.Slug, o.Name, string(o.Plan),
		marshalJSON(o.Limits), marshalJSON(o.Usage), marshalJSON(o.Settings),
		marshalJSON(o.AllowedDomains), nullableJSON(o.Billing),
		isoTime(o.CreatedAt), isoTime(o.UpdatedAt),
	)
	return err
}

func (s *SQLStore) GetOrg(id string) (*Organization, error) {
	return s.getOrgBy("id", id)
}

func (s *SQLStore) GetOrgBySlug(slug string) (*Organization, error) {
	return s.getOrgBy("slug", slug)
}

func (s *SQLStore) getOrgBy(col, val string) (*Organization, error) {
	o := &Organization{}
	var plan, createdAt, updatedAt string
	var limits, usage, settings, domains, billing sql.NullString

	err := s.queryRow(`SELECT id, slug, name, plan, limits, `+"`usage`"+`, settings,
		allowed_domains, billing, created_at, updated_at
		FROM organizations WHERE `+col+` = ?`, val).Scan(
		&o.ID, &o.Slug, &o.Name, &plan, &limits, &usage, &settings,
		&domains, &billing, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	o.Plan = Plan(plan)
	unmarshalJSON(limits, &o.Limits)
	unmarshalJSON(usage, &o.Usage)
	unmarshalJSON(settings, &o.Settings)
	unmarshalJSON(domains, &o.AllowedDomains)
	o.Billing = jsonOrNil(billing)
	o.CreatedAt = parseISO(createdAt)
	o.UpdatedAt = parseISO(updatedAt)
	return o, nil
}

func (s *SQLStore) ListOrgs() ([]*Organization, error) {
	rows, err := s.query(`SELECT id FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*Organization, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrg(id)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *SQLStore) DeleteOrg(id string) error {
	_, err := s.exec(`DELETE FROM organizations WHERE id = ?`, id)
	return err
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
