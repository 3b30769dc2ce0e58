package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/trace-processor/internal/testutil"
)

func TestOptions(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		addr     string
		password string
		db       int
		wantErr  bool
	}{
		{name: "plain address", config: Config{Address: "localhost:6379", DB: 2}, addr: "localhost:6379", db: 2},
		{name: "url", config: Config{Address: "redis://:secret@redis:6380/3"}, addr: "redis:6380", password: "secret", db: 3},
		{name: "url falls back to fields", config: Config{Address: "redis://redis:6379", Password: "pw", DB: 4}, addr: "redis:6379", password: "pw", db: 4},
		{name: "missing address", config: Config{}, wantErr: true},
		{name: "bad url", config: Config{Address: "redis://redis:6379/notadb"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := Options(&tt.config)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.addr, opts.Addr)
			assert.Equal(t, tt.password, opts.Password)
			assert.Equal(t, tt.db, opts.DB)
			assert.Equal(t, DefaultPrefix, tt.config.Prefix)
		})
	}
}

func TestNew_Ping(t *testing.T) {
	mr := testutil.NewMiniredis(t)

	client, err := New(&Config{Address: "redis://" + mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(t.Context()).Err())
}
