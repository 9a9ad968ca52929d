package http

import (
	"net/http"
)

// discoveryDocument is the OpenID Provider metadata.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	DPoPSigningAlgValuesSupported     []string `json:"dpop_signing_alg_values_supported"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := discoveryDocument{
		Issuer:                           s.issuer(),
		AuthorizationEndpoint:            s.endpointURL("/authorize"),
		TokenEndpoint:                    s.endpointURL("/token"),
		IntrospectionEndpoint:            s.endpointURL("/introspect"),
		RevocationEndpoint:               s.endpointURL("/revoke"),
		UserinfoEndpoint:                 s.endpointURL("/userinfo"),
		JWKSURI:                          s.endpointURL("/jwks.json"),
		ResponseTypesSupported:           []string{"code"},
		ResponseModesSupported:           []string{"query"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{
			"none", "client_secret_post",
		},
		ScopesSupported: []string{"openid", "profile", "email", "offline_access"},
		// plain is verified when a client is explicitly configured for it,
		// but it is never advertised.
		CodeChallengeMethodsSupported: []string{"S256"},
		DPoPSigningAlgValuesSupported: []string{"ES256", "RS256"},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keyPair.ToJWKS())
}
