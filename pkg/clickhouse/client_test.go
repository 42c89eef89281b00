package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsNative(t *testing.T) {
	o := options(ClientConfig{Host: "ch", Database: "twpull", User: "default", DialTimeout: 5 * time.Second})
	assert.Equal(t, []string{"ch:9000"}, o.Addr)
	assert.Equal(t, clickhouse.Native, o.Protocol)
	assert.Equal(t, "twpull", o.Auth.Database)
	assert.Equal(t, 5*time.Second, o.DialTimeout)
	assert.Empty(t, o.Settings)
}

func TestOptionsHTTPAsync(t *testing.T) {
	o := options(ClientConfig{Host: "ch", UseHTTP: true, AsyncInsert: true})
	assert.Equal(t, []string{"ch:8123"}, o.Addr)
	assert.Equal(t, clickhouse.HTTP, o.Protocol)
	assert.Equal(t, 1, o.Settings["async_insert"])
	assert.Equal(t, 1, o.Settings["wait_for_async_insert"])

	o = options(ClientConfig{Host: "ch", Port: 19000})
	assert.Equal(t, []string{"ch:19000"}, o.Addr)
}

func TestNewClientRequiresHost(t *testing.T) {
	_, err := NewClient(context.Background(), WithDatabase(""))
	require.Error(t, err)
}
