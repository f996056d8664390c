package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	opStoreNew             = "documents.store.new"
	opCreateDocument       = "documents.create_document"
	opLoadOrCreate         = "documents.load_or_create"
	opGetDocument          = "documents.get_document"
	opListDocuments        = "documents.list_documents"
	opSaveState            = "documents.save_state"
	opAppendSnapshot       = "documents.append_snapshot"
	opListVersions         = "documents.list_versions"
	opGetVersion           = "documents.get_version"
	opRestoreVersion       = "documents.restore_version"
	opSetTitle             = "documents.set_title"
	opDeleteDocument       = "documents.delete_document"
	fieldDocumentID        = "document_id"
	fieldVersionID         = "version_id"
	queryDocumentID        = fieldDocumentID + " = ?"
	queryVersionOfDocument = fieldVersionID + " = ? AND " + fieldDocumentID + " = ?"
	orderVersionsNewest    = "created_at_ms DESC, version_id DESC"
	orderDocumentsRecent   = "updated_at_ms DESC, document_id ASC"
	reasonMissingDatabase  = "missing_database"
	reasonIDGeneration     = "id_generation_failed"
	reasonQueryFailed      = "query_failed"
	reasonInsertFailed     = "insert_failed"
	reasonUpdateFailed     = "update_failed"
	reasonDeleteFailed     = "delete_failed"
	reasonNotFound         = "not_found"
	reasonVersionNotFound  = "version_not_found"
	reasonCaptureFailed    = "capture_failed"
	reasonOverwriteFailed  = "overwrite_failed"

	// The gate and the insert share one statement so concurrent writers for the
	// same document cannot both pass the existence check.
	insertSnapshotIfIdle = `INSERT INTO versions (version_id, document_id, text, reason, created_at_ms)
SELECT ?, ?, ?, ?, ?
WHERE NOT EXISTS (SELECT 1 FROM versions WHERE document_id = ? AND created_at_ms > ?)`
)

// StoreConfig describes the dependencies of the durable document store.
type StoreConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	VersionIDs  IDProvider
	DocumentIDs IDProvider
	Logger      *zap.Logger
}

// Store is the durable store for documents and their version log.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	versionIDs  IDProvider
	documentIDs IDProvider
	logger      *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	versionIDs := cfg.VersionIDs
	if versionIDs == nil {
		versionIDs = NewUUIDProvider()
	}
	documentIDs := cfg.DocumentIDs
	if documentIDs == nil {
		documentIDs = NewDocumentIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:          cfg.Database,
		clock:       clock,
		versionIDs:  versionIDs,
		documentIDs: documentIDs,
		logger:      logger,
	}, nil
}

func (s *Store) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Store) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	return nil
}

// CreateDocument inserts a document with a freshly generated identifier and empty text.
func (s *Store) CreateDocument(ctx context.Context, title Title) (Document, error) {
	if err := s.ready(opCreateDocument); err != nil {
		return Document{}, err
	}
	if s.documentIDs == nil {
		return Document{}, newServiceError(opCreateDocument, reasonIDGeneration, errMissingIDProvider)
	}
	rawID, err := s.documentIDs.NewID()
	if err != nil {
		s.logError(opCreateDocument, reasonIDGeneration, err)
		return Document{}, newServiceError(opCreateDocument, reasonIDGeneration, err)
	}
	if title == "" {
		title = DefaultTitle
	}
	now := s.nowMillis()
	document := Document{
		DocumentID:      rawID,
		Title:           title.String(),
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&document).Error; err != nil {
		s.logError(opCreateDocument, reasonInsertFailed, err, zap.String(fieldDocumentID, rawID))
		return Document{}, newServiceError(opCreateDocument, reasonInsertFailed, err)
	}
	return document, nil
}

// LoadOrCreate returns the stored row, creating an empty one when it does not exist.
// The boolean reports whether this call created the row.
func (s *Store) LoadOrCreate(ctx context.Context, documentID DocumentID) (Document, bool, error) {
	if err := s.ready(opLoadOrCreate); err != nil {
		return Document{}, false, err
	}
	var document Document
	err := s.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&document).Error
	if err == nil {
		return document, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opLoadOrCreate, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, false, newServiceError(opLoadOrCreate, reasonQueryFailed, err)
	}

	now := s.nowMillis()
	document = Document{
		DocumentID:      documentID.String(),
		Title:           DefaultTitle,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	createResult := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&document)
	if createResult.Error != nil {
		s.logError(opLoadOrCreate, reasonInsertFailed, createResult.Error, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, false, newServiceError(opLoadOrCreate, reasonInsertFailed, createResult.Error)
	}
	if createResult.RowsAffected == 1 {
		return document, true, nil
	}

	// Another writer created the row between the lookup and the insert.
	if err := s.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&document).Error; err != nil {
		s.logError(opLoadOrCreate, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, false, newServiceError(opLoadOrCreate, reasonQueryFailed, err)
	}
	return document, false, nil
}

// GetDocument returns the stored row for the document.
func (s *Store) GetDocument(ctx context.Context, documentID DocumentID) (Document, error) {
	if err := s.ready(opGetDocument); err != nil {
		return Document{}, err
	}
	return s.takeDocument(s.db.WithContext(ctx), opGetDocument, documentID)
}

func (s *Store) takeDocument(db *gorm.DB, operation string, documentID DocumentID) (Document, error) {
	var document Document
	err := db.Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(operation, reasonNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return document, nil
}

// ListDocuments returns every document, most recently updated first, without bodies.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	if err := s.ready(opListDocuments); err != nil {
		return nil, err
	}
	var rows []Document
	if err := s.db.WithContext(ctx).
		Select("document_id", "title", "created_at_ms", "updated_at_ms").
		Order(orderDocumentsRecent).
		Find(&rows).Error; err != nil {
		s.logError(opListDocuments, reasonQueryFailed, err)
		return nil, newServiceError(opListDocuments, reasonQueryFailed, err)
	}
	return rows, nil
}

// SaveState writes the materialized text and the serialized replica state in one statement.
func (s *Store) SaveState(ctx context.Context, documentID DocumentID, text string, state []byte) error {
	if err := s.ready(opSaveState); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where(queryDocumentID, documentID.String()).
		Updates(map[string]any{
			"materialized_text": text,
			"replica_state":     state,
			"updated_at_ms":     gorm.Expr("MAX(updated_at_ms, ?)", s.nowMillis()),
		})
	if result.Error != nil {
		return newServiceError(opSaveState, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSaveState, reasonNotFound, ErrDocumentNotFound)
	}
	return nil
}

// AppendSnapshotIfIdle appends a snapshot version unless one was created within the trailing window.
// It reports whether a row was inserted.
func (s *Store) AppendSnapshotIfIdle(ctx context.Context, documentID DocumentID, text string, window time.Duration) (bool, error) {
	if err := s.ready(opAppendSnapshot); err != nil {
		return false, err
	}
	versionID, err := s.versionIDs.NewID()
	if err != nil {
		return false, newServiceError(opAppendSnapshot, reasonIDGeneration, err)
	}
	now := s.nowMillis()
	cutoff := now - window.Milliseconds()
	result := s.db.WithContext(ctx).Exec(insertSnapshotIfIdle,
		versionID, documentID.String(), text, VersionReasonSnapshot, now,
		documentID.String(), cutoff)
	if result.Error != nil {
		return false, newServiceError(opAppendSnapshot, reasonInsertFailed, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListVersions returns the version log of a document, newest first.
func (s *Store) ListVersions(ctx context.Context, documentID DocumentID) ([]Version, error) {
	if err := s.ready(opListVersions); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if _, err := s.takeDocument(db.Select(fieldDocumentID), opListVersions, documentID); err != nil {
		return nil, err
	}
	var versions []Version
	if err := db.Where(queryDocumentID, documentID.String()).
		Order(orderVersionsNewest).
		Find(&versions).Error; err != nil {
		s.logError(opListVersions, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListVersions, reasonQueryFailed, err)
	}
	return versions, nil
}

// GetVersion returns one version of a document.
func (s *Store) GetVersion(ctx context.Context, documentID DocumentID, versionID VersionID) (Version, error) {
	if err := s.ready(opGetVersion); err != nil {
		return Version{}, err
	}
	return s.takeVersion(s.db.WithContext(ctx), opGetVersion, documentID, versionID)
}

func (s *Store) takeVersion(db *gorm.DB, operation string, documentID DocumentID, versionID VersionID) (Version, error) {
	var version Version
	err := db.Where(queryVersionOfDocument, versionID.String(), documentID.String()).Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, newServiceError(operation, reasonVersionNotFound, ErrVersionNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldVersionID, versionID.String()))
		return Version{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return version, nil
}

// RestoreVersion captures the current text as a new version and then overwrites the document
// with the chosen version's text, clearing the replica state. Both steps commit together or
// not at all. liveText, when non-nil, is captured instead of the stored text.
func (s *Store) RestoreVersion(ctx context.Context, documentID DocumentID, versionID VersionID, liveText *string) (RestoreResult, error) {
	if err := s.ready(opRestoreVersion); err != nil {
		return RestoreResult{}, err
	}
	captureID, err := s.versionIDs.NewID()
	if err != nil {
		s.logError(opRestoreVersion, reasonIDGeneration, err, zap.String(fieldDocumentID, documentID.String()))
		return RestoreResult{}, newServiceError(opRestoreVersion, reasonIDGeneration, err)
	}

	var result RestoreResult
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		document, err := s.takeDocument(transaction, opRestoreVersion, documentID)
		if err != nil {
			return err
		}
		restoredFrom, err := s.takeVersion(transaction, opRestoreVersion, documentID, versionID)
		if err != nil {
			return err
		}

		now := s.nowMillis()
		captured := Version{
			VersionID:       captureID,
			DocumentID:      documentID.String(),
			Text:            document.MaterializedText,
			Reason:          VersionReasonRestoreCapture,
			CreatedAtMillis: now,
		}
		if liveText != nil {
			captured.Text = *liveText
		}
		if err := transaction.Create(&captured).Error; err != nil {
			s.logError(opRestoreVersion, reasonCaptureFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opRestoreVersion, reasonCaptureFailed, err)
		}

		if err := transaction.Model(&Document{}).
			Where(queryDocumentID, documentID.String()).
			Updates(map[string]any{
				"materialized_text": restoredFrom.Text,
				"replica_state":     nil,
				"updated_at_ms":     gorm.Expr("MAX(updated_at_ms, ?)", now),
			}).Error; err != nil {
			s.logError(opRestoreVersion, reasonOverwriteFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opRestoreVersion, reasonOverwriteFailed, err)
		}

		updated, err := s.takeDocument(transaction, opRestoreVersion, documentID)
		if err != nil {
			return err
		}
		result = RestoreResult{
			Document:     updated,
			RestoredFrom: restoredFrom,
			Captured:     captured,
		}
		return nil
	})
	if transactionError != nil {
		return RestoreResult{}, transactionError
	}
	return result, nil
}

// SetTitle replaces the document title.
func (s *Store) SetTitle(ctx context.Context, documentID DocumentID, title Title) (Document, error) {
	if err := s.ready(opSetTitle); err != nil {
		return Document{}, err
	}
	db := s.db.WithContext(ctx)
	result := db.Model(&Document{}).
		Where(queryDocumentID, documentID.String()).
		Updates(map[string]any{
			"title":         title.String(),
			"updated_at_ms": gorm.Expr("MAX(updated_at_ms, ?)", s.nowMillis()),
		})
	if result.Error != nil {
		s.logError(opSetTitle, reasonUpdateFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newServiceError(opSetTitle, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Document{}, newServiceError(opSetTitle, reasonNotFound, ErrDocumentNotFound)
	}
	return s.takeDocument(db, opSetTitle, documentID)
}

// DeleteDocument removes the document and its version log.
func (s *Store) DeleteDocument(ctx context.Context, documentID DocumentID) error {
	if err := s.ready(opDeleteDocument); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryDocumentID, documentID.String()).Delete(&Version{}).Error; err != nil {
			s.logError(opDeleteDocument, reasonDeleteFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opDeleteDocument, reasonDeleteFailed, err)
		}
		result := transaction.Where(queryDocumentID, documentID.String()).Delete(&Document{})
		if result.Error != nil {
			s.logError(opDeleteDocument, reasonDeleteFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opDeleteDocument, reasonDeleteFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDeleteDocument, reasonNotFound, ErrDocumentNotFound)
		}
		return nil
	})
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("document store error", attrs...)
}
