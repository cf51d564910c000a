package bridge

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ndl/pumaduct/internal/config"
	"github.com/ndl/pumaduct/internal/homeserver"
	"github.com/ndl/pumaduct/internal/identity"
	"github.com/ndl/pumaduct/internal/imclient"
	"github.com/ndl/pumaduct/internal/imclient/mock"
	"github.com/ndl/pumaduct/internal/storage"
)

// testHarness wires a minimal but real Base + Service for bridge layer
// tests, mirroring cmd/pumaduct/main.go's constructor graph at a smaller
// scale: a stub home server (httptest), an on-disk sqlite store, a
// single "prpl-jabber" network bound to a mock back-end.
type testHarness struct {
	t       *testing.T
	base    *Base
	service *Service
	client  *mock.Backend
	hsSrv   *httptest.Server
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	var roomSeq atomic.Int64
	hsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if strings.Contains(r.URL.Path, "createRoom") {
			id := roomSeq.Add(1)
			fmt.Fprintf(w, `{"room_id":"!room%d:matrix.example.org"}`, id)
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(hsSrv.Close)

	store, err := storage.Open(filepath.Join(t.TempDir(), "pumaduct.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		BindAddress:      "127.0.0.1",
		Port:             8008,
		HSServer:         hsSrv.URL,
		HSAccessToken:    "hs-token",
		ASAccessToken:    "as-token",
		ServiceLocalpart: "pumaduct",
		DBSpec:           "test",
		MaxCacheItems:    128,
		Networks: map[string]config.NetworkConfig{
			"prpl-jabber": {
				Client:     "jabber-client",
				Prefix:     "xmpp",
				ExtPattern: `^(?P<user>[^@]+)@(?P<host>.+)$`,
				ExtFormat:  "{user}@{host}",
				Inputs: []config.InputPattern{
					{Pattern: `(?i)oauth`, Message: "Please reply with the OAuth code for {title}."},
				},
			},
		},
	}

	mapper, err := identity.NewMapper("matrix.example.org", map[string]identity.NetworkMapping{
		"prpl-jabber": {
			Prefix:     "xmpp",
			ExtPattern: regexp.MustCompile(`^(?P<user>[^@]+)@(?P<host>.+)$`),
			ExtFormat:  "{user}@{host}",
		},
	}, 128)
	require.NoError(t, err)

	acl, err := identity.NewAccessList("matrix.example.org", nil, []string{`^@.+:{hs_host}$`}, 128)
	require.NoError(t, err)

	client := mock.New()
	clients := map[string]imclient.Backend{"jabber-client": client}

	hs := homeserver.New(hsSrv.URL, cfg.ASAccessToken, false)
	loop := NewMainLoop(16)

	base := NewBase(cfg, loop, hs, store, mapper, acl, clients)
	messages := NewMessages(base)
	service := NewService(base, messages)
	require.NoError(t, base.Init())
	require.NoError(t, messages.Init())
	require.NoError(t, service.Init())

	return &testHarness{t: t, base: base, service: service, client: client, hsSrv: hsSrv}
}
