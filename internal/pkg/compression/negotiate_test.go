package compression

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtensions(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name    string
		header  string
		want    NegotiatedConfig
		wantErr error
	}{
		{
			name:   "empty header",
			header: "",
			want:   NegotiatedConfig{},
		}, {
			name:   "blank header",
			header: "   ",
			want:   NegotiatedConfig{},
		}, {
			name:   "no options",
			header: "permessage-deflate",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: true},
		}, {
			name:   "client no context takeover",
			header: "permessage-deflate; client_no_context_takeover",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: false},
		}, {
			name:   "server no context takeover keeps client takeover",
			header: "permessage-deflate; server_no_context_takeover",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: true},
		}, {
			name:   "both no context takeover",
			header: "permessage-deflate; server_no_context_takeover; client_no_context_takeover",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: false},
		}, {
			name:   "separators without spaces",
			header: "permessage-deflate;client_no_context_takeover",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: false},
		}, {
			name:   "client max window bits 15",
			header: "permessage-deflate; client_max_window_bits=15",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: true},
		}, {
			name:   "quoted client max window bits",
			header: `permessage-deflate; client_max_window_bits="15"`,
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: true},
		}, {
			name:   "server max window bits lower bound",
			header: "permessage-deflate; server_max_window_bits=8",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: true},
		}, {
			name:   "server max window bits upper bound",
			header: "permessage-deflate; server_max_window_bits=15; client_no_context_takeover",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: false},
		}, {
			name:   "fallback offers are ignored",
			header: "permessage-deflate; client_no_context_takeover, permessage-deflate",
			want:   NegotiatedConfig{CompressionEnabled: true, ContextTakeover: false},
		}, {
			name:    "client max window bits 14",
			header:  "permessage-deflate; client_max_window_bits=14",
			wantErr: ErrInvalidWindowBits,
		}, {
			name:    "client max window bits without value",
			header:  "permessage-deflate; client_max_window_bits",
			wantErr: ErrInvalidWindowBits,
		}, {
			name:    "client max window bits not a number",
			header:  "permessage-deflate; client_max_window_bits=abc",
			wantErr: ErrInvalidWindowBits,
		}, {
			name:    "server max window bits too small",
			header:  "permessage-deflate; server_max_window_bits=7",
			wantErr: ErrInvalidWindowBits,
		}, {
			name:    "server max window bits too large",
			header:  "permessage-deflate; server_max_window_bits=16",
			wantErr: ErrInvalidWindowBits,
		}, {
			name:    "duplicate option",
			header:  "permessage-deflate; client_no_context_takeover; client_no_context_takeover",
			wantErr: ErrDuplicateOption,
		}, {
			name:    "duplicate window bits",
			header:  "permessage-deflate; server_max_window_bits=10; server_max_window_bits=12",
			wantErr: ErrDuplicateOption,
		}, {
			name:    "unexpected extension",
			header:  "nonsense-extension",
			wantErr: ErrUnexpectedExtension,
		}, {
			name:    "deflate-frame is not offered",
			header:  "x-webkit-deflate-frame",
			wantErr: ErrUnexpectedExtension,
		}, {
			name:    "unknown option",
			header:  "permessage-deflate; meow",
			wantErr: ErrUnknownOption,
		}, {
			name:    "empty first offer",
			header:  ", permessage-deflate",
			wantErr: ErrMalformedHeader,
		}, {
			name:    "empty option",
			header:  "permessage-deflate; ; client_no_context_takeover",
			wantErr: ErrMalformedHeader,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseExtensions(tc.header)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.wantErr)

				var pe *ProtocolError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, tc.header, pe.Header)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	t.Run("missing header", func(t *testing.T) {
		t.Parallel()

		got, err := Resolve(http.Header{})
		require.NoError(t, err)
		assert.False(t, got.CompressionEnabled)
	})

	t.Run("empty header", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set(HeaderSecWebSocketExtensions, "")

		got, err := Resolve(h)
		require.NoError(t, err)
		assert.False(t, got.CompressionEnabled)
	})

	t.Run("canonical lookup", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set("sec-websocket-extensions", "permessage-deflate; client_no_context_takeover")

		got, err := Resolve(h)
		require.NoError(t, err)
		assert.Equal(t, NegotiatedConfig{CompressionEnabled: true, ContextTakeover: false}, got)
	})

	t.Run("first of multiple header lines", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Add(HeaderSecWebSocketExtensions, "permessage-deflate")
		h.Add(HeaderSecWebSocketExtensions, "nonsense-extension")

		got, err := Resolve(h)
		require.NoError(t, err)
		assert.Equal(t, NegotiatedConfig{CompressionEnabled: true, ContextTakeover: true}, got)
	})

	t.Run("empty first header line", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Add(HeaderSecWebSocketExtensions, "")
		h.Add(HeaderSecWebSocketExtensions, " ")
		h.Add(HeaderSecWebSocketExtensions, "permessage-deflate; client_no_context_takeover")

		got, err := Resolve(h)
		require.NoError(t, err)
		assert.Equal(t, NegotiatedConfig{CompressionEnabled: true, ContextTakeover: false}, got)
	})

	t.Run("only empty header lines", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Add(HeaderSecWebSocketExtensions, "")
		h.Add(HeaderSecWebSocketExtensions, "")

		got, err := Resolve(h)
		require.NoError(t, err)
		assert.False(t, got.CompressionEnabled)
	})

	t.Run("rejected header", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set(HeaderSecWebSocketExtensions, "permessage-deflate; client_max_window_bits=10")

		_, err := Resolve(h)
		assert.ErrorIs(t, err, ErrInvalidWindowBits)
	})
}

func TestParseOption(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		token   string
		want    Option
		wantErr error
	}{
		{token: "client_no_context_takeover", want: Option{Tag: ClientNoContextTakeover}},
		{token: "server_no_context_takeover", want: Option{Tag: ServerNoContextTakeover}},
		{token: "client_max_window_bits=15", want: Option{Tag: ClientMaxWindowBits, Bits: 15}},
		{token: "server_max_window_bits=9", want: Option{Tag: ServerMaxWindowBits, Bits: 9}},
		{token: `server_max_window_bits="12"`, want: Option{Tag: ServerMaxWindowBits, Bits: 12}},
		{token: "client_no_context_takeover_please", wantErr: ErrUnknownOption},
		{token: "server_max_window_bits=", wantErr: ErrInvalidWindowBits},
		{token: "", wantErr: ErrMalformedHeader},
	}

	for _, tc := range tcs {
		t.Run(tc.token, func(t *testing.T) {
			t.Parallel()

			got, err := ParseOption(tc.token)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConfigOffer(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", Config{}.Offer())
	assert.Equal(t, "permessage-deflate", DefaultConfig().Offer())

	cfg := DefaultConfig()
	cfg.ClientNoContextTakeover = true
	cfg.ServerNoContextTakeover = true
	assert.Equal(t, "permessage-deflate; client_no_context_takeover; server_no_context_takeover", cfg.Offer())

	// 本端生成的 offer 必须能被本端解析。
	got, err := ParseExtensions(cfg.Offer())
	require.NoError(t, err)
	assert.Equal(t, NegotiatedConfig{CompressionEnabled: true, ContextTakeover: false}, got)
}

func TestConfigOfferWindowBits(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name      string
		client    int
		server    int
		wantOffer string
		wantErr   bool
	}{
		{name: "not sent", wantOffer: "permessage-deflate"},
		{name: "client bits", client: 15, wantOffer: "permessage-deflate; client_max_window_bits=15"},
		{name: "server bits", server: 10, wantOffer: "permessage-deflate; server_max_window_bits=10"},
		{
			name:      "both",
			client:    15,
			server:    8,
			wantOffer: "permessage-deflate; client_max_window_bits=15; server_max_window_bits=8",
		},
		{name: "unsupported client bits", client: 12, wantErr: true},
		{name: "server bits too small", server: 7, wantErr: true},
		{name: "server bits too large", server: 16, wantErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.ClientMaxWindowBits = tc.client
			cfg.ServerMaxWindowBits = tc.server

			err := cfg.ValidateOffer()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidWindowBits)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOffer, cfg.Offer())

			// 服务端原样接受 offer 时，本端能解析。
			got, err := ParseExtensions(cfg.Offer())
			require.NoError(t, err)
			assert.Equal(t, NegotiatedConfig{CompressionEnabled: true, ContextTakeover: true}, got)
		})
	}
}
