package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

const deliveryColumns = `id,site_id,material,supplier,quantity,unit,expected_date,invoice_number,status,received_at,receiver_name,signature,receipt_photos_json,notes,linked_issue_id,created_at,updated_at`

func (r Repo) InsertDelivery(ctx context.Context, tx *sql.Tx, d domain.Delivery) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliveries(`+deliveryColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.SiteID, d.Material, d.Supplier, d.Quantity, d.Unit, d.ExpectedDate,
		nullable(d.InvoiceNumber), string(d.Status), nullableStringPtr(d.ReceivedAt),
		nullable(d.ReceiverName), nullableStringPtr(d.Signature),
		marshalStrings(d.ReceiptPhotos), d.Notes, nullableStringPtr(d.LinkedIssueID),
		d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) UpdateDelivery(ctx context.Context, tx *sql.Tx, d domain.Delivery) error {
	res, err := tx.ExecContext(ctx, `UPDATE deliveries SET material=?, supplier=?, quantity=?, unit=?, expected_date=?, invoice_number=?, status=?, received_at=?, receiver_name=?, signature=?, receipt_photos_json=?, notes=?, linked_issue_id=?, updated_at=? WHERE id=?`,
		d.Material, d.Supplier, d.Quantity, d.Unit, d.ExpectedDate,
		nullable(d.InvoiceNumber), string(d.Status), nullableStringPtr(d.ReceivedAt),
		nullable(d.ReceiverName), nullableStringPtr(d.Signature),
		marshalStrings(d.ReceiptPhotos), d.Notes, nullableStringPtr(d.LinkedIssueID),
		d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDelivery(scan func(...any) error) (domain.Delivery, error) {
	var d domain.Delivery
	var status, photos string
	var invoice, receivedAt, receiverName, signature, linkedIssue sql.NullString
	err := scan(&d.ID, &d.SiteID, &d.Material, &d.Supplier, &d.Quantity, &d.Unit,
		&d.ExpectedDate, &invoice, &status, &receivedAt, &receiverName, &signature,
		&photos, &d.Notes, &linkedIssue, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Status = domain.DeliveryStatus(status)
	d.ReceiptPhotos = unmarshalStrings(photos)
	if invoice.Valid {
		d.InvoiceNumber = invoice.String
	}
	if receivedAt.Valid {
		d.ReceivedAt = &receivedAt.String
	}
	if receiverName.Valid {
		d.ReceiverName = receiverName.String
	}
	if signature.Valid {
		d.Signature = &signature.String
	}
	if linkedIssue.Valid {
		d.LinkedIssueID = &linkedIssue.String
	}
	return d, nil
}

func (r Repo) GetDelivery(ctx context.Context, id string) (domain.Delivery, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id=?`, id)
	return scanDelivery(row.Scan)
}

func (r Repo) GetDeliveryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Delivery, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id=?`, id)
	return scanDelivery(row.Scan)
}

type DeliveryFilters struct {
	SiteID string
	Status string
	Limit  int
}

// ListDeliveries returns deliveries in insertion order; ordering by expected
// date happens in the engine.
func (r Repo) ListDeliveries(ctx context.Context, f DeliveryFilters) ([]domain.Delivery, error) {
	var clauses []string
	var args []any
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries ` + where + ` ORDER BY rowid ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}
