package warehouse

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/dacli/config"
	"github.com/martinemde/dacli/toolkit"
)

func newMockWarehouse(t *testing.T) (*Snowflake, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(config.SnowflakeSettings{Account: "acme", QueryTimeout: 30}, WithDB(db)), mock
}

func TestSnowflake_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("Should return rows as column maps up to the fetch limit", func(t *testing.T) {
		sf, mock := newMockWarehouse(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT ID, NAME FROM RAW.ORDERS")).
			WillReturnRows(sqlmock.NewRows([]string{"ID", "NAME"}).
				AddRow(1, []byte("first")).
				AddRow(2, "second").
				AddRow(3, "third"))

		res := sf.Execute(ctx, map[string]any{"query": "SELECT ID, NAME FROM RAW.ORDERS", "fetch_limit": float64(2)})
		require.True(t, res.Success(), res.Error)
		assert.Equal(t, "snowflake", res.ToolName)

		rows, ok := res.Data.([]map[string]any)
		require.True(t, ok)
		require.Len(t, rows, 2)
		assert.Equal(t, "first", rows[0]["NAME"])
		assert.Equal(t, 2, res.Metadata["rows_returned"])
		assert.Equal(t, 3, res.Metadata["total_rows"])
		assert.Equal(t, []string{"ID", "NAME"}, res.Metadata["columns"])
		assert.Contains(t, res.Render(), "Returned 2 rows:\n Row 1: ")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should execute DDL without reading rows", func(t *testing.T) {
		sf, mock := newMockWarehouse(t)
		mock.ExpectExec(regexp.QuoteMeta("CREATE SCHEMA IF NOT EXISTS RAW")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		res := sf.Execute(ctx, map[string]any{"query": "CREATE SCHEMA IF NOT EXISTS RAW;\n"})
		require.True(t, res.Success(), res.Error)
		assert.Nil(t, res.Data)
		assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS RAW", res.Metadata["query"])
		assert.EqualValues(t, 0, res.Metadata["rows_affected"])
		assert.Equal(t, "[snowflake] Executed successfully.", res.Render())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should turn driver errors into error results", func(t *testing.T) {
		sf, mock := newMockWarehouse(t)
		mock.ExpectQuery(regexp.QuoteMeta("select * from x")).WillReturnError(errors.New("SQL compilation error: Object 'X' does not exist"))

		res := sf.Execute(ctx, map[string]any{"query": "select * from x"})
		assert.Equal(t, toolkit.StatusError, res.Status)
		assert.Contains(t, res.Error, "does not exist")
		assert.Equal(t, "select * from x", res.Metadata["query"])
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should require a query", func(t *testing.T) {
		sf, _ := newMockWarehouse(t)
		res := sf.Execute(ctx, map[string]any{})
		assert.Equal(t, "query is required", res.Error)
	})
}

func TestSnowflake_Validate(t *testing.T) {
	t.Run("Should return the current session context", func(t *testing.T) {
		sf, mock := newMockWarehouse(t)
		mock.ExpectQuery(regexp.QuoteMeta(contextQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"WAREHOUSE", "DATABASE", "SCHEMA", "ROLE", "USER"}).
				AddRow("COMPUTE_WH", "ANALYTICS", "RAW", "SYSADMIN", "DACLI"))

		res := sf.Validate(context.Background())
		require.True(t, res.Success(), res.Error)
		assert.Equal(t, map[string]any{
			"WAREHOUSE": "COMPUTE_WH",
			"DATABASE":  "ANALYTICS",
			"SCHEMA":    "RAW",
			"ROLE":      "SYSADMIN",
			"USER":      "DACLI",
		}, res.Data)
	})
}

func TestSnowflake_Lifecycle(t *testing.T) {
	t.Run("Should close the handle on disconnect", func(t *testing.T) {
		sf, mock := newMockWarehouse(t)
		mock.ExpectClose()

		require.NoError(t, sf.Connect(context.Background()))
		require.NoError(t, sf.Disconnect(context.Background()))
		require.NoError(t, sf.Disconnect(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should build a DSN from the settings", func(t *testing.T) {
		sf := New(config.SnowflakeSettings{
			Account:   "acme-xy12345",
			User:      "loader",
			Password:  "secret",
			Warehouse: "COMPUTE_WH",
			Database:  "ANALYTICS",
			Schema:    "PUBLIC",
		})
		dsn, err := sf.DSN()
		require.NoError(t, err)
		assert.Contains(t, dsn, "loader:secret@")
		assert.Contains(t, dsn, "warehouse=COMPUTE_WH")
	})
}

func TestReturnsRows(t *testing.T) {
	t.Run("Should classify statements by their leading keyword", func(t *testing.T) {
		assert.True(t, returnsRows("select 1"))
		assert.True(t, returnsRows("  (SELECT 1)"))
		assert.True(t, returnsRows("SHOW TABLES"))
		assert.False(t, returnsRows("COPY INTO RAW.ORDERS FROM @stage"))
		assert.False(t, returnsRows("CREATE TABLE T (ID INT)"))
	})
}
