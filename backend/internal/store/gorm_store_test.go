package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"blockcollab/backend/internal/model"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormStore(gdb), mock
}

var blockColumns = []string{"doc_id", "id", "block_index", "kind", "text", "version", "updated_by", "created_at", "updated_at"}

func TestGormStoreGetDocument(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `documents` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "title", "stack", "content", "created_at", "updated_at"}).
			AddRow("d1", "alice", "Intro", "go", "legacy", at, at))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `user_id` FROM `document_collaborators` WHERE doc_id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("bob"))

	d, err := s.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "go", d.Category)
	assert.Equal(t, "legacy", d.Content)
	assert.Equal(t, []string{"bob"}, d.Collaborators)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreGetDocumentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM `documents`").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetDocument(context.Background(), "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreUpdateBlock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM `blocks` WHERE doc_id = \\? AND id = \\?.*FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(blockColumns).AddRow("d1", "b1", 0, "text", "A", 3, "bob", at, at))
	mock.ExpectExec("UPDATE `blocks` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	text, expected := "A-edited", int64(3)
	b, err := s.UpdateBlock(context.Background(), model.BlockUpdate{DocID: "d1", BlockID: "b1", Text: &text, ExpectedVersion: &expected}, "alice", at)
	require.NoError(t, err)
	assert.EqualValues(t, 4, b.Version)
	assert.Equal(t, "A-edited", b.Text)
	assert.Equal(t, "alice", b.LastModifiedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreUpdateBlockStaleVersion(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM `blocks`.*FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(blockColumns).AddRow("d1", "b1", 0, "text", "A", 5, "bob", at, at))
	mock.ExpectRollback()

	text, expected := "x", int64(3)
	_, err := s.UpdateBlock(context.Background(), model.BlockUpdate{DocID: "d1", BlockID: "b1", Text: &text, ExpectedVersion: &expected}, "alice", at)
	require.ErrorIs(t, err, model.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreUpdateBlockLostRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM `blocks`.*FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(blockColumns).AddRow("d1", "b1", 0, "text", "A", 3, "bob", at, at))
	mock.ExpectExec("UPDATE `blocks` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	text := "x"
	_, err := s.UpdateBlock(context.Background(), model.BlockUpdate{DocID: "d1", BlockID: "b1", Text: &text}, "alice", at)
	require.ErrorIs(t, err, model.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreInsertBlockDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO `blocks`").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := s.InsertBlock(context.Background(), "d1", model.Block{ID: "b1", Kind: "text"})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreDeleteBlock(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM `blocks` WHERE doc_id = \\? AND id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM `blocks`").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DeleteBlock(context.Background(), "d1", "b1"))
	require.ErrorIs(t, s.DeleteBlock(context.Background(), "d1", "b1"), model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreListBlocks(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM `blocks` WHERE doc_id = \\? ORDER BY block_index ASC,created_at ASC").
		WillReturnRows(sqlmock.NewRows(blockColumns).
			AddRow("d1", "b0", 0, "text", "zero", 1, "", at, at).
			AddRow("d1", "b1", 1, "text", "one", 2, "bob", at, at))

	blocks, err := s.ListBlocks(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "one", blocks[1].Text)
	assert.EqualValues(t, 2, blocks[1].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
