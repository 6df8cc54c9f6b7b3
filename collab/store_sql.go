package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// `DocumentStore` backed by a relational table. Used when the engine
// runs colocated with the rundown database instead of behind the HTTP api.
//
// Schema:
//
//	CREATE TABLE rundown_documents (
//	    document_id VARCHAR(64) PRIMARY KEY,
//	    globals JSON NOT NULL,
//	    items JSON NOT NULL,
//	    version BIGINT NOT NULL DEFAULT 0,
//	    updated_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
//	)
type SqlDocumentStore struct {
	db *sql.DB
}

func NewSqlDocumentStore(dsn string) (*SqlDocumentStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &SqlDocumentStore{
		db: db,
	}, nil
}

func (self *SqlDocumentStore) GetDocument(ctx context.Context, documentId string) (*Document, error) {
	var globalsBytes []byte
	var itemsBytes []byte
	var version int64
	var updatedAt time.Time

	err := self.db.QueryRowContext(
		ctx,
		`SELECT globals, items, version, updated_at
		    FROM rundown_documents
		    WHERE document_id = ?`,
		documentId,
	).Scan(&globalsBytes, &itemsBytes, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document not found: %s", documentId)
	}
	if err != nil {
		return nil, err
	}

	document := &Document{
		Id:        documentId,
		Version:   version,
		UpdatedAt: updatedAt,
	}
	if err := json.Unmarshal(globalsBytes, &document.Globals); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsBytes, &document.Items); err != nil {
		return nil, err
	}
	return document, nil
}

// point read of the version column only, used by the connectivity
// watchdog on every poll
func (self *SqlDocumentStore) GetDocumentVersion(ctx context.Context, documentId string) (int64, error) {
	var version int64
	err := self.db.QueryRowContext(
		ctx,
		`SELECT version FROM rundown_documents WHERE document_id = ?`,
		documentId,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("document not found: %s", documentId)
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (self *SqlDocumentStore) PutDocument(ctx context.Context, document *Document) error {
	globalsBytes, err := json.Marshal(document.Globals)
	if err != nil {
		return err
	}
	itemsBytes, err := json.Marshal(document.Items)
	if err != nil {
		return err
	}

	result, err := self.db.ExecContext(
		ctx,
		`INSERT INTO rundown_documents (document_id, globals, items, version)
		    VALUES (?, ?, ?, 1)
		    ON DUPLICATE KEY UPDATE
		        globals = VALUES(globals),
		        items = VALUES(items),
		        version = version + 1`,
		document.Id,
		globalsBytes,
		itemsBytes,
	)
	if err != nil {
		return err
	}
	if _, err := result.RowsAffected(); err != nil {
		return err
	}

	version, err := self.GetDocumentVersion(ctx, document.Id)
	if err != nil {
		return err
	}
	document.Version = version
	return nil
}

func (self *SqlDocumentStore) Close() error {
	return self.db.Close()
}
