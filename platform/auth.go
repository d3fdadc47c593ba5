/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package platform

import "context"

// User identifies the principal a store call is performed on behalf of. It
// travels on the context, never in package globals.
type User struct {
	ID    string
	Roles []string
}

type userCtxKey struct{}

// ServiceUser is the identity the connector uses for scheduled work.
var ServiceUser = User{ID: `misp-connector`, Roles: []string{`read`, `write`}}

// WithUser attaches a user identity to the context.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext extracts the user identity, ok is false when none is set.
func UserFromContext(ctx context.Context) (u User, ok bool) {
	u, ok = ctx.Value(userCtxKey{}).(User)
	return
}
