package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name                 string
		header               string
		wantScheme           string
		wantResourceMetadata string
		wantScopes           []string
		wantError            string
		expectError          bool
	}{
		{
			name:                 "complete challenge with all parameters",
			header:               `Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource", scope="files:read files:write", error="insufficient_scope"`,
			wantScheme:           "Bearer",
			wantResourceMetadata: "https://mcp.example.com/.well-known/oauth-protected-resource",
			wantScopes:           []string{"files:read", "files:write"},
			wantError:            "insufficient_scope",
		},
		{
			name:                 "resource_metadata only",
			header:               `Bearer resource_metadata="https://auth.example.com/.well-known/oauth-protected-resource"`,
			wantScheme:           "Bearer",
			wantResourceMetadata: "https://auth.example.com/.well-known/oauth-protected-resource",
		},
		{
			name:       "scope only, unquoted values tolerated",
			header:     `Bearer scope="read write", realm=mcp`,
			wantScheme: "Bearer",
			wantScopes: []string{"read", "write"},
		},
		{
			name:       "scheme only",
			header:     "Bearer",
			wantScheme: "Bearer",
		},
		{
			name:        "empty header",
			header:      "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, err := ParseWWWAuthenticate(tt.header)

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if challenge.Scheme != tt.wantScheme {
				t.Errorf("Scheme = %q, want %q", challenge.Scheme, tt.wantScheme)
			}
			if challenge.ResourceMetadataURL != tt.wantResourceMetadata {
				t.Errorf("ResourceMetadataURL = %q, want %q", challenge.ResourceMetadataURL, tt.wantResourceMetadata)
			}
			if challenge.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", challenge.Error, tt.wantError)
			}
			if len(challenge.Scopes) != len(tt.wantScopes) {
				t.Fatalf("Scopes = %v, want %v", challenge.Scopes, tt.wantScopes)
			}
			for i, scope := range challenge.Scopes {
				if scope != tt.wantScopes[i] {
					t.Errorf("Scopes[%d] = %q, want %q", i, scope, tt.wantScopes[i])
				}
			}
		})
	}
}

func TestDiscoverProtectedResourceMetadataWellKnown(t *testing.T) {
	metadata := ProtectedResourceMetadata{
		Resource:             "https://mcp.example.com/mcp",
		AuthorizationServers: []string{"https://as.example.com"},
		ScopesSupported:      []string{"mcp:tools"},
	}

	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		if r.URL.Path == "/.well-known/oauth-protected-resource/mcp" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(metadata)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	got, err := DiscoverProtectedResourceMetadata(context.Background(), srv.URL+"/mcp", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Resource != metadata.Resource {
		t.Errorf("Resource = %q, want %q", got.Resource, metadata.Resource)
	}
	if len(hits) != 1 {
		t.Errorf("expected path-scoped URI to be tried first, got hits %v", hits)
	}
}

func TestDiscoverProtectedResourceMetadataFallsBackToRoot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-protected-resource" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(ProtectedResourceMetadata{
				Resource:             "res",
				AuthorizationServers: []string{"https://as.example.com"},
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	got, err := DiscoverProtectedResourceMetadata(context.Background(), srv.URL+"/mcp", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Resource != "res" {
		t.Errorf("Resource = %q, want %q", got.Resource, "res")
	}
}

func TestDiscoverProtectedResourceMetadataChallengeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ProtectedResourceMetadata{
			Resource:             "res",
			AuthorizationServers: []string{"https://as.example.com"},
		})
	}))
	defer srv.Close()

	challenge := &Challenge{Scheme: "Bearer", ResourceMetadataURL: srv.URL + "/custom"}
	got, err := DiscoverProtectedResourceMetadata(context.Background(), "http://ignored.example.com/mcp", challenge, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Resource != "res" {
		t.Errorf("Resource = %q, want %q", got.Resource, "res")
	}
}

func TestSelectAuthorizationServer(t *testing.T) {
	metadata := &ProtectedResourceMetadata{
		AuthorizationServers: []string{"https://a.example.com", "https://b.example.com"},
	}

	tests := []struct {
		name      string
		preferred string
		want      string
		wantErr   bool
	}{
		{name: "default is first advertised", want: "https://a.example.com"},
		{name: "preferred found", preferred: "https://b.example.com", want: "https://b.example.com"},
		{name: "preferred missing", preferred: "https://c.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectAuthorizationServer(metadata, tt.preferred)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestASMetadataEndpointOrdering(t *testing.T) {
	tests := []struct {
		name   string
		issuer string
		want   []string
	}{
		{
			name:   "issuer without path",
			issuer: "https://auth.example.com",
			want: []string{
				"https://auth.example.com/.well-known/oauth-authorization-server",
				"https://auth.example.com/.well-known/openid-configuration",
			},
		},
		{
			name:   "issuer with tenant path",
			issuer: "https://auth.example.com/tenant1",
			want: []string{
				"https://auth.example.com/.well-known/oauth-authorization-server/tenant1",
				"https://auth.example.com/.well-known/openid-configuration/tenant1",
				"https://auth.example.com/tenant1/.well-known/openid-configuration",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := asMetadataEndpoints(tt.issuer)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("endpoint[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestASMetadataEndpointRejectsNonLoopbackHTTP(t *testing.T) {
	if _, err := asMetadataEndpoints("http://auth.example.com"); err == nil {
		t.Fatal("expected error for non-loopback http issuer")
	}
	if _, err := asMetadataEndpoints("http://localhost:9000"); err != nil {
		t.Fatalf("loopback http issuer should be allowed: %v", err)
	}
}

func TestDiscoverASMetadata(t *testing.T) {
	var metadata AuthorizationServerMetadata
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metadata)
	}))
	defer srv.Close()

	metadata = AuthorizationServerMetadata{
		Issuer:                srv.URL,
		AuthorizationEndpoint: srv.URL + "/authorize",
		TokenEndpoint:         srv.URL + "/token",
		RegistrationEndpoint:  srv.URL + "/register",
		CodeChallengeMethods:  []string{"S256"},
	}

	got, err := DiscoverAuthorizationServerMetadata(context.Background(), srv.URL, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.SupportsPKCE() {
		t.Error("expected PKCE support")
	}
	if !got.SupportsDCR() {
		t.Error("expected DCR support")
	}
}

func TestDiscoverASMetadataRejectsIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "https://as.example.com"})
	}))
	defer srv.Close()

	if _, err := DiscoverAuthorizationServerMetadata(context.Background(), srv.URL, zap.NewNop()); err == nil {
		t.Fatal("expected error for metadata missing endpoints")
	}
}
