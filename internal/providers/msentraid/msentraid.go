// Package msentraid is the Microsoft Entra ID preset.
package msentraid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/k0kubun/pp"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphauth "github.com/microsoftgraph/msgraph-sdk-go-core/authentication"
	msgraphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/ubuntu/decorate"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
	"golang.org/x/oauth2"
)

func init() {
	pp.ColoringEnabled = false
}

const (
	// Type is the provider type selecting this preset in the configuration.
	Type = "msentraid"

	defaultMSGraphHost = "graph.microsoft.com"
	msgraphAPIVersion  = "v1.0"

	groupMemberScope = "GroupMember.Read.All"
	userReadScope    = "User.Read"
)

// New returns the descriptor of a Microsoft Entra ID tenant.
//
// Settings keys: tenant_id (required), fetch_groups, graph_host.
func New(s providers.Settings) (d providers.Descriptor, err error) {
	defer decorate.OnError(&err, "invalid %s provider %q", Type, s.SchemeName)

	tenant := s.Get("tenant_id")
	if tenant == "" && s.Authority == "" {
		return providers.Descriptor{}, errors.New("tenant_id is required")
	}

	d = providers.Descriptor{
		Type:         Type,
		AuthorityURL: fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", tenant),
		Scopes:       providers.MergeScopes(consts.DefaultScopes, userReadScope),
		UsePKCE:      true,
		SaveTokens:   true,
		ClaimTypeMap: map[string]string{
			providers.ClaimName: "name",
			providers.ClaimRole: "roles",
		},
	}

	fetchGroups, err := s.Bool("fetch_groups", false)
	if err != nil {
		return providers.Descriptor{}, err
	}
	if fetchGroups {
		d.Scopes = providers.MergeScopes(d.Scopes, groupMemberScope)
		host := s.Get("graph_host")
		if host == "" {
			host = defaultMSGraphHost
		}
		d.Enricher = NewGroupEnricher(host)
	}

	s.Overlay(&d)
	d.ApplyDefaults()
	return d, nil
}

// GroupEnricher adds the security groups of the user, read from Microsoft Graph, as roles.
type GroupEnricher struct {
	msgraphHost string
	listGroups  func(ctx context.Context, token *oauth2.Token, msgraphHost string) ([]msgraphmodels.Groupable, error)
}

// NewGroupEnricher returns an enricher querying the Graph API on msgraphHost.
func NewGroupEnricher(msgraphHost string) *GroupEnricher {
	return &GroupEnricher{msgraphHost: msgraphHost, listGroups: listGroupsFromGraph}
}

// AdditionalRoles returns the lowercased display names of the security groups the user is a transitive member of.
func (e *GroupEnricher) AdditionalRoles(ctx context.Context, token *oauth2.Token) (roles []string, err error) {
	defer decorate.OnError(&err, "could not get user groups from Microsoft Graph")

	slog.DebugContext(ctx, "Getting user groups from Microsoft Graph API")

	scopes, err := tokenScopes(token)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(scopes, groupMemberScope) {
		return nil, fmt.Errorf("the Microsoft Entra ID app is missing the %s permission", groupMemberScope)
	}

	graphGroups, err := e.listGroups(ctx, token, e.msgraphHost)
	if err != nil {
		return nil, err
	}

	return groupRoles(ctx, graphGroups)
}

func tokenScopes(token *oauth2.Token) ([]string, error) {
	scopesStr, ok := token.Extra("scope").(string)
	if !ok {
		return nil, fmt.Errorf("failed to cast token scopes to string: %v", token.Extra("scope"))
	}
	return strings.Fields(scopesStr), nil
}

func listGroupsFromGraph(ctx context.Context, token *oauth2.Token, msgraphHost string) ([]msgraphmodels.Groupable, error) {
	cred := azureTokenCredential{token: token}
	auth, err := msgraphauth.NewAzureIdentityAuthenticationProvider(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to create AzureIdentityAuthenticationProvider: %v", err)
	}

	adapter, err := msgraphsdk.NewGraphRequestAdapter(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create GraphRequestAdapter: %v", err)
	}
	adapter.SetBaseUrl(fmt.Sprintf("https://%s/%s", msgraphHost, msgraphAPIVersion))

	return getSecurityGroups(ctx, msgraphsdk.NewGraphServiceClient(adapter))
}

func getSecurityGroups(ctx context.Context, client *msgraphsdk.GraphServiceClient) ([]msgraphmodels.Groupable, error) {
	// Only groups, as directory roles or administrative units would require additional permissions.
	requestBuilder := client.Me().TransitiveMemberOf().GraphGroup()
	result, err := requestBuilder.Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get user groups: %v", err)
	}
	if result == nil {
		slog.DebugContext(ctx, "Got nil response from Microsoft Graph API for user's groups, assuming that user is not a member of any group.")
		return nil, nil
	}

	groups := result.GetValue()
	for result.GetOdataNextLink() != nil {
		nextLink := *result.GetOdataNextLink()

		result, err = requestBuilder.WithUrl(nextLink).Get(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get next page of user groups: %v", err)
		}
		groups = append(groups, result.GetValue()...)
	}

	return groups, nil
}

// groupRoles filters out non security groups and returns the group names.
func groupRoles(ctx context.Context, groups []msgraphmodels.Groupable) ([]string, error) {
	var roles []string
	for _, group := range groups {
		if !isSecurityGroup(group) {
			if name := group.GetDisplayName(); name != nil {
				slog.DebugContext(ctx, fmt.Sprintf("Ignoring non-security group %s", *name))
			}
			continue
		}

		namePtr := group.GetDisplayName()
		if namePtr == nil {
			slog.WarnContext(ctx, pp.Sprintf("Could not get display name for group object: %v", group))
			return nil, errors.New("could not get group name")
		}
		name := strings.ToLower(*namePtr)
		if slices.Contains(roles, name) {
			continue
		}
		roles = append(roles, name)
	}
	slog.DebugContext(ctx, fmt.Sprintf("Got groups: %s", strings.Join(roles, ", ")))

	return roles, nil
}

// isSecurityGroup returns true if securityEnabled is set and the group is not a Microsoft 365 ("Unified") group,
// which non-admin users can create.
func isSecurityGroup(group msgraphmodels.Groupable) bool {
	securityEnabledPtr := group.GetSecurityEnabled()
	if securityEnabledPtr == nil || !*securityEnabledPtr {
		return false
	}

	return !slices.Contains(group.GetGroupTypes(), "Unified")
}

type azureTokenCredential struct {
	token *oauth2.Token
}

// GetToken creates an azcore.AccessToken from an oauth2.Token.
func (c azureTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token.AccessToken,
		ExpiresOn: c.token.Expiry,
	}, nil
}
