package rtdb

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scopes required for admin access to the database over REST.
var Scopes = []string{
	"https://www.googleapis.com/auth/firebase.database",
	"https://www.googleapis.com/auth/userinfo.email",
}

// TokenSourceFromFile builds a token source from a service account key file.
func TokenSourceFromFile(ctx context.Context, path string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return oauth2.ReuseTokenSource(nil, creds.TokenSource), nil
}
