// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"errors"
	"strings"
)

// WildcardOwner is the owner key of the aggregate view across all owners
const WildcardOwner = "*"

// SelfOwner is the owner a user subscribes to for their own stream
const SelfOwner = "self"

// userOwnerPrefix namespaces user scoped owner keys. Device ids never contain it.
const userOwnerPrefix = "user:"

// UserOwner returns the owner key of the stream scoped to userID
func UserOwner(userID string) string {
	return userOwnerPrefix + userID
}

// ErrInvalidDeviceID is returned for device ids that cannot serve as an owner key
var ErrInvalidDeviceID = errors.New("invalid device id")

// ValidateDeviceID rejects device ids that collide with topic wildcards, the
// wildcard owner, the self owner or user scoped owner keys.
func ValidateDeviceID(id string) error {
	if id == WildcardOwner || id == SelfOwner || strings.ContainsAny(id, "/+#:*") {
		return ErrInvalidDeviceID
	}
	return nil
}

// GrantChecker looks up ownership grants. Implementations must query the
// authoritative grant table; they must not answer from a cache.
type GrantChecker interface {
	HasGrant(ctx context.Context, userID, deviceID string) (bool, error)
}

// CanAccess is the one access predicate for reading data of an owner. REST retrieval,
// realtime subscriptions and snapshots all go through it.
//
// Admins may read every owner, including the wildcard. Everybody else may read
// their own user scoped stream (see UserOwner) and every device they hold a grant for.
func CanAccess(ctx context.Context, grants GrantChecker, auth *Authorization, owner string) (bool, error) {
	if auth == nil || len(owner) == 0 {
		return false, nil
	}
	if auth.IsAdmin() {
		return true, nil
	}
	if owner == WildcardOwner {
		return false, nil
	}
	if owner == UserOwner(auth.UserID) {
		return true, nil
	}
	return grants.HasGrant(ctx, auth.UserID, owner)
}
