package sqlez

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := newConfig(nil)
	require.Equal(t, DefaultBusyTimeout, cfg.busyTimeout)
	require.Equal(t, Builtin, cfg.library)
	require.NotNil(t, cfg.logger)
	require.False(t, cfg.memoryFallback)
	require.Nil(t, cfg.tracerProvider)
}

func TestOptions(t *testing.T) {
	logger := slog.Default()
	tp := noop.NewTracerProvider()
	cfg := newConfig([]Option{
		WithLogger(logger),
		WithBusyTimeout(100),
		WithMemoryFallback(),
		WithTracerProvider(tp),
		WithLibrary(nil),
		WithLogger(nil),
	})
	require.Same(t, logger, cfg.logger)
	require.Equal(t, 100, cfg.busyTimeout)
	require.True(t, cfg.memoryFallback)
	require.Equal(t, tp, cfg.tracerProvider)
	require.Equal(t, Builtin, cfg.library, "a nil library keeps the default")
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		wantURI     string
		wantTimeout int
		wantErr     error
	}{
		{"plain path", "data.db", "data.db", DefaultBusyTimeout, nil},
		{"plain path with timeout", "data.db?_busy_timeout=250", "data.db", 250, nil},
		{"plain path drops engine params", "data.db?mode=ro", "data.db", DefaultBusyTimeout, nil},
		{"file uri keeps engine params", "file:x?mode=memory&cache=shared&_busy_timeout=0", "file:x?cache=shared&mode=memory", 0, nil},
		{"file uri without params", "file:x.db?_busy_timeout=10", "file:x.db", 10, nil},
		{"bad timeout", "data.db?_busy_timeout=soon", "", 0, ErrMalformedInput},
		{"bad query", "data.db?%zz", "", 0, ErrMalformedInput},
		{"missing library", "data.db?_library=/definitely/not/libsqlite3.so", "", 0, ErrLibraryUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, opts, err := parseDSN(tt.dsn)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantURI, uri)
			require.Equal(t, tt.wantTimeout, newConfig(opts).busyTimeout)
		})
	}
}

func TestLibraryCandidates(t *testing.T) {
	require.Equal(t, []string{"/opt/libsqlite3.so"}, libraryCandidates("/opt/libsqlite3.so"))

	t.Setenv("SQLEZ_LIB_PATH", "/custom/libsqlite3.so")
	got := libraryCandidates("")
	require.NotEmpty(t, got)
	require.Equal(t, "/custom/libsqlite3.so", got[0])
}
