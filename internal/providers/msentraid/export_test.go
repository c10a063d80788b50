package msentraid

import (
	"context"

	msgraphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"golang.org/x/oauth2"
)

// NewGroupEnricherWithLister returns an enricher which lists groups with the given function instead of calling Graph.
func NewGroupEnricherWithLister(host string, lister func(ctx context.Context, token *oauth2.Token, msgraphHost string) ([]msgraphmodels.Groupable, error)) *GroupEnricher {
	return &GroupEnricher{msgraphHost: host, listGroups: lister}
}

// MSGraphHost returns the host the enricher queries.
func (e *GroupEnricher) MSGraphHost() string {
	return e.msgraphHost
}
