package mssql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/warehouse"
)

func TestValueConversions(t *testing.T) {
	require.Equal(t, 1234.5, value("DECIMAL", []byte("1234.50")))
	require.Equal(t, 19.99, value("MONEY", []byte(" 19.9900")))
	require.Nil(t, value("NUMERIC", []byte("not a number")))
	require.Equal(t, "plain", value("NVARCHAR", []byte("plain")))
	require.Equal(t, "2016-01-05", value("DATE", time.Date(2016, 1, 5, 0, 0, 0, 0, time.UTC)))
	require.Nil(t, value("INT", nil))
}

func TestRegisteredAndDialect(t *testing.T) {
	require.Contains(t, warehouse.Drivers(), "sqlserver")
	require.Equal(t, compiler.SQLServer, (&Connector{}).Dialect())
	require.Equal(t, "dbo", schemaOrDefault(""))
	require.Equal(t, "sales", schemaOrDefault("sales"))
	(&Connector{}).Close()
}
