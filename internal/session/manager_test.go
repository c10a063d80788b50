package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/oidc-federation-broker/internal/session"
)

type flowState struct {
	scheme, correlation string
	completed           bool
}

func (f flowState) Scheme() string      { return f.scheme }
func (f flowState) Correlation() string { return f.correlation }
func (f flowState) IsCompleted() bool   { return f.completed }

// recordingStore counts the calls made to the wrapped store.
type recordingStore struct {
	session.Store

	mu    sync.Mutex
	calls []string
}

func (s *recordingStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *recordingStore) SaveExternal(ctx context.Context, sid string, p session.Principal) error {
	s.record("SaveExternal")
	return s.Store.SaveExternal(ctx, sid, p)
}

func (s *recordingStore) LoadExternal(ctx context.Context, sid string) (session.Principal, error) {
	s.record("LoadExternal")
	return s.Store.LoadExternal(ctx, sid)
}

func (s *recordingStore) Promote(ctx context.Context, sid, correlation string, app session.Principal) error {
	s.record("Promote")
	return s.Store.Promote(ctx, sid, correlation, app)
}

func (s *recordingStore) Clear(ctx context.Context, sid string) error {
	s.record("Clear")
	return s.Store.Clear(ctx, sid)
}

func TestManagerPromote(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		flow        session.CompletedFlow
		noExternal  bool
		externalFor string

		wantStoreCalls []string
		wantErr        bool
	}{
		"Promote_completed_flow": {
			flow:           flowState{scheme: "EntraID", correlation: "c1", completed: true},
			wantStoreCalls: []string{"LoadExternal", "Promote"},
		},

		"Error_with_nil_flow_without_store_access": {
			wantErr: true,
		},
		"Error_with_uncompleted_flow_without_store_access": {
			flow:    flowState{scheme: "EntraID", correlation: "c1"},
			wantErr: true,
		},
		"Error_without_external_principal": {
			flow:           flowState{scheme: "EntraID", correlation: "c1", completed: true},
			noExternal:     true,
			wantStoreCalls: []string{"LoadExternal"},
			wantErr:        true,
		},
		"Error_when_correlation_differs": {
			flow:           flowState{scheme: "EntraID", correlation: "c2", completed: true},
			wantStoreCalls: []string{"LoadExternal"},
			wantErr:        true,
		},
		"Error_when_scheme_differs": {
			flow:           flowState{scheme: "keycloak", correlation: "c1", completed: true},
			wantStoreCalls: []string{"LoadExternal"},
			wantErr:        true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			mem := session.NewMemoryStore(time.Hour)
			if !tc.noExternal {
				require.NoError(t, mem.SaveExternal(ctx, "sid", externalPrincipal("c1")), "Setup: SaveExternal should not fail")
			}
			store := &recordingStore{Store: mem}
			m := session.NewManager(store)

			app, err := m.Promote(ctx, "sid", tc.flow)
			require.Equal(t, tc.wantStoreCalls, store.calls, "Unexpected store accesses")
			if tc.wantErr {
				var perr *session.PromotionError
				require.ErrorAs(t, err, &perr, "Promote should return a PromotionError")
				_, err = m.Current(ctx, "sid")
				require.ErrorIs(t, err, session.ErrNotFound, "No application principal should exist")
				return
			}
			require.NoError(t, err, "Promote should not fail")
			require.Equal(t, session.KindApplication, app.Kind, "Promoted principal should be an application principal")

			current, err := m.Current(ctx, "sid")
			require.NoError(t, err, "Current should not fail")
			require.Equal(t, app, current, "Current should return the promoted principal")

			_, err = mem.LoadExternal(ctx, "sid")
			require.ErrorIs(t, err, session.ErrNotFound, "External principal should be cleared")
		})
	}
}

func TestManagerSignInAndOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := session.NewManager(session.NewMemoryStore(time.Hour))

	p := externalPrincipal("c1")
	p.Kind = session.KindApplication
	require.NoError(t, m.SignIn(ctx, "sid", p), "SignIn should not fail")

	_, err := m.Current(ctx, "sid")
	require.ErrorIs(t, err, session.ErrNotFound, "SignIn should not create an application principal")

	_, err = m.Promote(ctx, "sid", flowState{scheme: "EntraID", correlation: "c1", completed: true})
	require.NoError(t, err, "Promote should not fail")

	require.NoError(t, m.SignOut(ctx, "sid"), "SignOut should not fail")
	_, err = m.Current(ctx, "sid")
	require.ErrorIs(t, err, session.ErrNotFound, "SignOut should clear the application principal")

	require.Error(t, m.SignIn(ctx, "", p), "SignIn without session id should fail")
	p.CorrelationID = ""
	require.Error(t, m.SignIn(ctx, "sid", p), "SignIn without correlation id should fail")
	require.NoError(t, m.SignOut(ctx, ""), "SignOut without session should be a no-op")
}

func TestPromotionErrorUnwraps(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")
	err := error(&session.PromotionError{SchemeName: "s", CorrelationID: "c", Reason: "r", Err: inner})
	require.ErrorIs(t, err, inner, "PromotionError should unwrap its cause")
}
